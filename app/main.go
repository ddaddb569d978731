// Tiny Cloud is a self-hosted personal cloud server. The core is the
// authentication, session and registration-token subsystem plus the plugin
// dispatch layer; feature modules plug in behind the plugin contract and get
// a private per-user data directory.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	flags "github.com/jessevdk/go-flags"
	"golang.org/x/term"

	"github.com/hex0x0000/tiny-cloud/app/auth"
	"github.com/hex0x0000/tiny-cloud/app/config"
	"github.com/hex0x0000/tiny-cloud/app/plugin"
	"github.com/hex0x0000/tiny-cloud/app/plugins/archive"
	"github.com/hex0x0000/tiny-cloud/app/server"
	"github.com/hex0x0000/tiny-cloud/app/server/session"
	"github.com/hex0x0000/tiny-cloud/app/store"
	"github.com/hex0x0000/tiny-cloud/app/token"
	"github.com/hex0x0000/tiny-cloud/app/userdir"
)

type options struct {
	Config       string `short:"c" long:"config" env:"TCLOUD_CONFIG" default:"./config.toml" description:"path to the configuration file"`
	WriteDefault bool   `long:"write-default" description:"write the default configuration to the config path and exit"`
	CreateUser   bool   `long:"create-user" description:"create a user interactively and exit"`
	Admin        bool   `long:"admin" description:"make the user created with --create-user an admin"`
	Dbg          bool   `long:"dbg" env:"DEBUG" description:"debug mode"`
}

var revision = "unknown" // set by build

func main() {
	fmt.Printf("tiny-cloud %s\n", revision)

	var opts options
	parser := flags.NewParser(&opts, flags.Default)

	registry, err := plugin.NewRegistry(archive.New())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build plugin registry: %v\n", err)
		os.Exit(1)
	}
	if err := registry.RegisterCommands(parser); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register plugin commands: %v\n", err)
		os.Exit(1)
	}

	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}

	if opts.WriteDefault {
		if err := config.WriteDefault(opts.Config); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		fmt.Printf("default configuration written to %s\n", opts.Config)
		return
	}

	if err := run(opts, registry); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(opts options, registry *plugin.Registry) error {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return err
	}
	setupLog(opts.Dbg, cfg.Logging)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.DataDirectory, 0o750); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	dirs := userdir.New(cfg.DataDirectory, registry.Names())
	st, err := store.New(cfg.DBURL(), store.WithDirs(dirs))
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Printf("[WARN] failed to close store: %v", err)
		}
	}()

	usernames, err := st.AllUsernames(ctx)
	if err != nil {
		return err
	}
	if err := dirs.EnsureAll(usernames); err != nil {
		return err
	}

	hasher, err := auth.NewHasher(cfg.Server.Workers)
	if err != nil {
		return err
	}

	var tokens *token.Service
	if cfg.RegistrationEnabled() {
		tokens = token.New(st, cfg.Registration.TokenSize,
			time.Duration(cfg.Registration.TokenDurationSeconds)*time.Second)
		tokens.StartSweeper(ctx, time.Hour)
	}

	authSvc := auth.NewService(st, tokens, hasher, auth.NewTOTP(cfg.ServerName), cfg.CredSize)

	if opts.CreateUser {
		return createUser(ctx, authSvc, opts.Admin)
	}

	if err := registry.Init(cfg.PluginConfig); err != nil {
		return err
	}

	sessions, err := session.New(cfg.SessionSecretKeyPath,
		time.Duration(cfg.Duration.CookieMinutes)*time.Minute,
		minutesOrZero(cfg.Duration.LoginMinutes),
		minutesOrZero(cfg.Duration.VisitMinutes),
		cfg.TLS != nil)
	if err != nil {
		return err
	}

	srvCfg := server.Config{
		Address:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		BaseURL:        cfg.BaseURL(),
		ServerName:     cfg.ServerName,
		Description:    cfg.Description,
		Version:        revision,
		Source:         "https://github.com/hex0x0000/tiny-cloud",
		IsBehindProxy:  cfg.Server.IsBehindProxy,
		Registration:   cfg.RegistrationEnabled(),
		PayloadSize:    cfg.Limits.PayloadSize,
		FileUploadSize: cfg.Limits.FileUploadSize,
	}
	if cfg.TLS != nil {
		srvCfg.TLSCertPath = cfg.TLS.CertPath
		srvCfg.TLSPrivkeyPath = cfg.TLS.PrivkeyPath
	}

	srv := server.New(server.Deps{
		Auth:     authSvc,
		Tokens:   tokens,
		Sessions: sessions,
		Registry: registry,
		Dirs:     dirs,
	}, srvCfg)

	return srv.Run(ctx)
}

// minutesOrZero converts an optional minute count to a duration, zero when unset.
func minutesOrZero(minutes *int64) time.Duration {
	if minutes == nil {
		return 0
	}
	return time.Duration(*minutes) * time.Minute
}

// createUser prompts for credentials on the terminal, adds the account and
// prints the TOTP enrolment URL. This is how the first admin comes to exist.
func createUser(ctx context.Context, authSvc *auth.Service, isAdmin bool) error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Print("User: ")
	username, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("failed to read username: %w", err)
	}
	username = strings.TrimSpace(username)

	password, err := readPassword(reader)
	if err != nil {
		return err
	}

	key, _, err := authSvc.CreateUser(ctx, username, password, isAdmin)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	fmt.Printf("user %q created (admin: %v)\n", username, isAdmin)
	fmt.Printf("TOTP enrolment url (add it to your authenticator now):\n%s\n", key.URL())
	return nil
}

// readPassword reads the password without echo when stdin is a terminal,
// falling back to a plain line read for piped input.
func readPassword(reader *bufio.Reader) ([]byte, error) {
	fmt.Print("Password: ")
	if term.IsTerminal(int(os.Stdin.Fd())) {
		password, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return nil, fmt.Errorf("failed to read password: %w", err)
		}
		return password, nil
	}
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return nil, fmt.Errorf("failed to read password: %w", err)
	}
	return []byte(strings.TrimRight(line, "\r\n")), nil
}

// setupLog configures lgr: everything goes through one logger, each sink
// filters by its own level.
func setupLog(dbg bool, cfg config.Logging) {
	logOpts := []log.Option{log.Msec, log.LevelBraces}
	if dbg {
		logOpts = append(logOpts, log.Debug, log.CallerFile, log.CallerFunc)
		log.Setup(logOpts...)
		return
	}

	stdoutLevel := cfg.StdoutLevel
	writers := []io.Writer{newLevelWriter(os.Stdout, stdoutLevel)}

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o750); err == nil {
			if f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640); err == nil { //nolint:gosec // path from config, controlled by admin
				writers = append(writers, newLevelWriter(f, cfg.FileLevel))
			} else {
				fmt.Fprintf(os.Stderr, "failed to open log file %s: %v\n", cfg.File, err)
			}
		}
	}

	if stdoutLevel == "debug" || cfg.FileLevel == "debug" {
		logOpts = append(logOpts, log.Debug)
	}
	logOpts = append(logOpts, log.Out(io.MultiWriter(writers...)), log.Err(io.Discard))
	log.Setup(logOpts...)
}

// levelWriter drops log lines below its minimum level. lgr always emits the
// bracketed level tag, so matching on it is enough.
type levelWriter struct {
	w   io.Writer
	min int
}

var levelRank = map[string]int{"debug": 0, "info": 1, "warn": 2, "error": 3}

func newLevelWriter(w io.Writer, level string) *levelWriter {
	rank, ok := levelRank[strings.ToLower(level)]
	if !ok {
		rank = levelRank["info"]
	}
	return &levelWriter{w: w, min: rank}
}

func (lw *levelWriter) Write(p []byte) (int, error) {
	line := string(p)
	rank := levelRank["info"]
	for name, r := range levelRank {
		// lgr pads short level names inside the braces, e.g. "[WARN ]"
		tag := strings.ToUpper(name)
		if strings.Contains(line, "["+tag+"]") || strings.Contains(line, "["+tag+" ]") {
			rank = r
			break
		}
	}
	if rank < lw.min {
		return len(p), nil
	}
	return lw.w.Write(p)
}
