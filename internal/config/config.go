// Package config loads an optional YAML profile of named IMAP accounts, so
// a frequently-run command doesn't need every flag spelled out on the
// command line every time. Command-line flags always win over a profile
// value; this package never mutates the process's view of what was
// actually requested, it only fills in gaps.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Account is one named IMAP account profile.
type Account struct {
	Address         string   `yaml:"address"`
	Port            uint16   `yaml:"port"`
	TLS             *bool    `yaml:"tls,omitempty"`
	TimeoutSeconds  int      `yaml:"timeout_seconds,omitempty"`
	User            string   `yaml:"user"`
	PasswordCommand []string `yaml:"password_command"`
	Maildir         string   `yaml:"maildir"`
	Namespace       string   `yaml:"namespace,omitempty"`
	Purgeable       []string `yaml:"purgeable,omitempty"`
}

// File is the on-disk shape of a profile document: a flat map from account
// name to its settings.
type File struct {
	Accounts map[string]Account `yaml:"accounts"`
}

// Load reads and parses a profile file. A missing file is not an error —
// it just means every setting has to come from flags.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return File{Accounts: map[string]Account{}}, nil
		}
		return File{}, err
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("config: parsing %q: %w", path, err)
	}
	if f.Accounts == nil {
		f.Accounts = map[string]Account{}
	}
	return f, nil
}

// Save writes the profile file, creating its parent directory if needed.
func Save(path string, f File) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	data, err := yaml.Marshal(f)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Account looks up a named account, reporting whether it was found.
func (f File) Account(name string) (Account, bool) {
	a, ok := f.Accounts[name]
	return a, ok
}
