// sin synchronizes a local maildir++ tree against a single IMAP4rev1 mailbox
// in one direction per invocation.
//
// Usage:
//
//	sin pull --address host --port 993 --user me -- password-command arg...
//	sin push --address host --port 993 --user me -- password-command arg...
//	sin catalog -db index.db -maildir ~/Mail
package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sinsync/sin/internal/catalog"
	"github.com/sinsync/sin/internal/config"
	"github.com/sinsync/sin/internal/imapwire"
	"github.com/sinsync/sin/internal/index"
	"github.com/sinsync/sin/internal/maildir"
	"github.com/sinsync/sin/internal/sync"
	"github.com/sinsync/sin/internal/sync/pull"
	"github.com/sinsync/sin/internal/sync/push"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "pull", "push":
		run(os.Args[1], os.Args[2:])
	case "catalog":
		runCatalog(os.Args[2:])
	case "version":
		fmt.Printf("sin %s\n", version)
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: sin <pull|push> [flags] -- password-command [args...]
       sin catalog [flags]

Flags:
  -profile string    YAML profile file with named accounts (default "")
  -account string    Account name to load from -profile
  -address string     Server address
  -port uint          Server port
  -tls                Use TLS (default true)
  -timeout duration    TCP connect/read timeout (0 disables it)
  -user string         IMAP user
  -db string           Index database path
  -maildir string      Maildir++ root directory
  -namespace string     Index property namespace (default "sin")
  -create              Create the index database if it doesn't exist
  -purgeable string     Comma-separated list of mailboxes that may be purged locally
  -v                   Verbose logging

catalog flags (in addition to -db, -maildir, -namespace, -v):
  -catalog string      DuckDB/Parquet catalog file path (default "catalog.parquet" next to -db)

version   Print version information`)
}

type options struct {
	address         string
	port            uint
	useTLS          bool
	timeout         time.Duration
	user            string
	passwordCommand []string
	dbPath          string
	maildirPath     string
	namespace       string
	create          bool
	purgeable       map[string]bool
	verbose         bool
}

func run(mode string, args []string) {
	opts, err := parseArgs(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "sin:", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	conn, err := dial(opts)
	if err != nil {
		log.Error("connecting", "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	db, err := openIndex(opts)
	if err != nil {
		log.Error("opening index", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	builder, err := maildir.NewBuilder(opts.maildirPath)
	if err != nil {
		log.Error("opening maildir", "error", err)
		os.Exit(1)
	}

	rootID, namespace, err := db.Attach(builder.Path(), opts.namespace)
	if err != nil {
		log.Error("attaching root record", "error", err)
		os.Exit(1)
	}

	probe := sync.Probe(sync.NoopProbe{})

	session, err := handshake(conn, namespace, opts, log)
	if err != nil {
		log.Error("handshake", "error", err)
		os.Exit(1)
	}

	if err := sync.MoveOutOfTmp(db, namespace, probe, log); err != nil {
		log.Error("promoting staged messages", "error", err)
		os.Exit(1)
	}

	switch mode {
	case "pull":
		err = pull.Run(session, db, rootID, builder, pull.Options{
			Namespace: namespace,
			Purgeable: opts.purgeable,
			Probe:     probe,
			Log:       log,
		})
	case "push":
		err = push.Run(session, db, rootID, builder, push.Options{
			Namespace: namespace,
			Probe:     probe,
			Log:       log,
		})
	}
	if err != nil {
		log.Error("sync failed", "mode", mode, "error", err)
		os.Exit(1)
	}

	if err := sync.MoveOutOfTmp(db, namespace, probe, log); err != nil {
		log.Error("promoting staged messages", "error", err)
		os.Exit(1)
	}

	log.Info("sync complete", "mode", mode)
}

// catalogOptions controls a standalone "sin catalog" rebuild: unlike pull
// and push it never talks to the server, so it needs none of the connection
// or authentication flags.
type catalogOptions struct {
	dbPath      string
	maildirPath string
	namespace   string
	catalogPath string
	verbose     bool
}

func parseCatalogArgs(args []string) (catalogOptions, error) {
	fs := flag.NewFlagSet("sin catalog", flag.ContinueOnError)
	dbPath := fs.String("db", "", "index database path")
	maildirPath := fs.String("maildir", "", "maildir++ root directory")
	namespace := fs.String("namespace", "sin", "index property namespace")
	catalogPath := fs.String("catalog", "", "DuckDB/Parquet catalog file path (default: catalog.parquet next to -db)")
	verbose := fs.Bool("v", false, "verbose logging")
	if err := fs.Parse(args); err != nil {
		return catalogOptions{}, err
	}

	if *dbPath == "" || *maildirPath == "" {
		return catalogOptions{}, fmt.Errorf("missing required flags: -db and -maildir are both mandatory")
	}
	path := *catalogPath
	if path == "" {
		path = filepath.Join(filepath.Dir(*dbPath), "catalog.parquet")
	}
	return catalogOptions{
		dbPath:      *dbPath,
		maildirPath: *maildirPath,
		namespace:   *namespace,
		catalogPath: path,
		verbose:     *verbose,
	}, nil
}

// runCatalog rebuilds the side catalog entirely from local state: the index
// for which messages exist and which mailbox they belong to, the maildir
// files on disk for their headers. It never touches the server, so it can
// be rerun at any time independent of pull or push.
func runCatalog(args []string) {
	opts, err := parseCatalogArgs(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "sin:", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if _, err := os.Stat(opts.dbPath); err != nil {
		log.Error("opening index", "error", err)
		os.Exit(1)
	}
	db, err := index.Open(opts.dbPath)
	if err != nil {
		log.Error("opening index", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	builder, err := maildir.NewBuilder(opts.maildirPath)
	if err != nil {
		log.Error("opening maildir", "error", err)
		os.Exit(1)
	}

	rootID, namespace, err := db.Attach(builder.Path(), opts.namespace)
	if err != nil {
		log.Error("attaching root record", "error", err)
		os.Exit(1)
	}

	entries, err := catalog.Scan(db, rootID, namespace)
	if err != nil {
		log.Error("scanning maildir", "error", err)
		os.Exit(1)
	}

	cat, err := catalog.Open(opts.catalogPath)
	if err != nil {
		log.Error("opening catalog", "error", err)
		os.Exit(1)
	}
	defer cat.Close()

	if err := cat.Rebuild(entries); err != nil {
		log.Error("rebuilding catalog", "error", err)
		os.Exit(1)
	}

	log.Info("catalog rebuilt", "messages", len(entries), "path", opts.catalogPath)
}

func parseArgs(args []string) (options, error) {
	fs := flag.NewFlagSet("sin", flag.ContinueOnError)
	profilePath := fs.String("profile", "", "YAML profile file with named accounts")
	accountName := fs.String("account", "", "account name to load from -profile")
	address := fs.String("address", "", "server address")
	port := fs.Uint("port", 993, "server port")
	useTLS := fs.Bool("tls", true, "use TLS")
	timeout := fs.Duration("timeout", 30*time.Second, "TCP connect/read timeout (0 disables it)")
	user := fs.String("user", "", "IMAP user")
	dbPath := fs.String("db", "", "index database path")
	maildirPath := fs.String("maildir", "", "maildir++ root directory")
	namespace := fs.String("namespace", "sin", "index property namespace")
	create := fs.Bool("create", false, "create the index database if it doesn't exist")
	purgeable := fs.String("purgeable", "", "comma-separated list of mailboxes that may be purged locally")
	verbose := fs.Bool("v", false, "verbose logging")

	dashIndex := len(args)
	for i, a := range args {
		if a == "--" {
			dashIndex = i
			break
		}
	}
	if err := fs.Parse(args[:dashIndex]); err != nil {
		return options{}, err
	}
	passwordCommand := []string{}
	if dashIndex < len(args) {
		passwordCommand = args[dashIndex+1:]
	}

	opts := options{
		address:         *address,
		port:            *port,
		useTLS:          *useTLS,
		timeout:         *timeout,
		user:            *user,
		passwordCommand: passwordCommand,
		dbPath:          *dbPath,
		maildirPath:     *maildirPath,
		namespace:       *namespace,
		create:          *create,
		verbose:         *verbose,
		purgeable:       map[string]bool{},
	}
	for _, name := range strings.Split(*purgeable, ",") {
		if name = strings.TrimSpace(name); name != "" {
			opts.purgeable[name] = true
		}
	}

	if *profilePath != "" && *accountName != "" {
		file, err := config.Load(*profilePath)
		if err != nil {
			return options{}, err
		}
		acct, ok := file.Account(*accountName)
		if !ok {
			return options{}, fmt.Errorf("account %q not found in %q", *accountName, *profilePath)
		}
		tlsFlag, portFlag, namespaceFlag := opts.useTLS, opts.port, opts.namespace
		applyProfile(&opts, acct)
		fs.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "tls":
				opts.useTLS = tlsFlag
			case "port":
				opts.port = portFlag
			case "namespace":
				opts.namespace = namespaceFlag
			}
		})
	}

	if opts.address == "" || opts.user == "" || opts.maildirPath == "" || opts.dbPath == "" {
		return options{}, fmt.Errorf("missing required flags: -address, -user, -maildir and -db are all mandatory")
	}
	if len(opts.passwordCommand) == 0 {
		return options{}, fmt.Errorf("a password command must follow \"--\"")
	}
	return opts, nil
}

// applyProfile fills in anything a profile specifies that wasn't already
// set on the command line — flags always take precedence.
func applyProfile(opts *options, acct config.Account) {
	if opts.address == "" {
		opts.address = acct.Address
	}
	if opts.port == 993 && acct.Port != 0 {
		opts.port = uint(acct.Port)
	}
	if acct.TLS != nil {
		opts.useTLS = *acct.TLS
	}
	if opts.user == "" {
		opts.user = acct.User
	}
	if len(opts.passwordCommand) == 0 {
		opts.passwordCommand = acct.PasswordCommand
	}
	if opts.maildirPath == "" {
		opts.maildirPath = acct.Maildir
	}
	if opts.namespace == "sin" && acct.Namespace != "" {
		opts.namespace = acct.Namespace
	}
	for _, name := range acct.Purgeable {
		opts.purgeable[name] = true
	}
}

func dial(opts options) (net.Conn, error) {
	addr := fmt.Sprintf("%s:%d", opts.address, opts.port)
	var conn net.Conn
	var err error
	if opts.timeout > 0 {
		conn, err = net.DialTimeout("tcp", addr, opts.timeout)
	} else {
		conn, err = net.Dial("tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	if opts.timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(opts.timeout)); err != nil {
			conn.Close()
			return nil, err
		}
	}
	if !opts.useTLS {
		return conn, nil
	}

	tlsConn := tls.Client(conn, &tls.Config{ServerName: opts.address, MinVersion: tls.VersionTLS12})
	if err := tlsConn.Handshake(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("TLS handshake with %s: %w", addr, err)
	}
	return tlsConn, nil
}

func openIndex(opts options) (*index.DB, error) {
	if !opts.create {
		if _, err := os.Stat(opts.dbPath); err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("index %q does not exist; rerun with -create", opts.dbPath)
			}
			return nil, err
		}
	}
	if dir := filepath.Dir(opts.dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
	}
	return index.Open(opts.dbPath)
}

func handshake(conn net.Conn, namespace string, opts options, log *slog.Logger) (*sync.Session, error) {
	stream := imapwire.NewStream(conn, log)
	session := sync.NewSession(stream, namespace, log)
	if err := session.Greet(); err != nil {
		return nil, err
	}
	if err := session.Authenticate(opts.user, opts.passwordCommand); err != nil {
		return nil, err
	}
	if err := session.Enable(); err != nil {
		return nil, err
	}
	return session, nil
}
