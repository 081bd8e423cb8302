package sync

import (
	"bytes"
	"fmt"

	"github.com/emersion/go-message"
	"github.com/google/uuid"
)

// MessageID extracts a message's Message-Id header, generating a synthetic
// one (scoped to this run's namespace, so it can never collide with a real
// header) for the — rare, but real — message that doesn't carry one. Every
// index row is keyed by this value, so a message delivered to more than one
// mailbox is recognized as the same message everywhere.
func MessageID(namespace string, body []byte) (string, error) {
	entity, err := message.Read(bytes.NewReader(body))
	if err != nil && entity == nil {
		return "", fmt.Errorf("sync: reading message headers: %w", err)
	}
	if id := entity.Header.Get("Message-Id"); id != "" {
		return id, nil
	}
	return fmt.Sprintf("<%s@%s.generated>", uuid.NewString(), namespace), nil
}
