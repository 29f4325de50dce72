// console is the operator CLI of the MKR messaging platform: sign in, review verification
// requests, manage accounts and server settings.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"mkr.su/console/internal/apiclient"
	"mkr.su/console/internal/audit"
	"mkr.su/console/internal/auth"
	"mkr.su/console/internal/config"
	"mkr.su/console/internal/console"
	"mkr.su/console/internal/credstore"
	"mkr.su/console/internal/directory"
	"mkr.su/console/internal/ids"
	"mkr.su/console/internal/obs"
	"mkr.su/console/internal/serverinfo"
	"mkr.su/console/internal/verification"
)

var version = "0.3.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdin, os.Stdout)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	var (
		envFile  string
		logLevel string
		output   string
		actor    string
		metrics  string
	)
	flags := pflag.NewFlagSet("console", pflag.ContinueOnError)
	flags.SetInterspersed(false)
	flags.StringVar(&envFile, "env-file", "", "dotenv file to load before reading the environment (default .env)")
	flags.StringVar(&logLevel, "log-level", "", "log level (overrides CONSOLE_LOG_LEVEL)")
	flags.StringVarP(&output, "output", "o", "yaml", "output format: yaml or json")
	flags.StringVar(&actor, "actor", "", "operator name recorded in audit events (overrides CONSOLE_ACTOR)")
	flags.StringVar(&metrics, "metrics-file", "", "write API call metrics here after the command (textfile collector format)")
	flags.Usage = func() { printUsage(stdout, flags) }

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	rest := flags.Args()
	if len(rest) == 0 {
		printUsage(stdout, flags)
		return errors.New("missing command")
	}
	name, cmdArgs := rest[0], rest[1:]
	if name == "version" {
		fmt.Fprintf(stdout, "console %s\n", version)
		return nil
	}
	cmd, ok := commands[name]
	if !ok {
		printUsage(stdout, flags)
		return fmt.Errorf("unknown command %q", name)
	}
	if output != "yaml" && output != "json" {
		return fmt.Errorf("unknown output format %q", output)
	}

	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	if logLevel == "" {
		logLevel = cfg.LogLevel
	}
	obs.SetLevel(logLevel)
	obs.Init()
	obs.InitBuildInfo(version, cfg.API.Version)

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	client, err := apiclient.New(apiclient.Config{
		BaseURL:           cfg.API.BaseURL,
		Version:           cfg.API.Version,
		Timeout:           cfg.API.Timeout,
		RequestsPerSecond: cfg.API.RequestsPerSecond,
		Burst:             cfg.API.Burst,
	}, apiclient.WithTokenSource(auth.TokenSource(store)))
	if err != nil {
		return err
	}
	c := console.New(
		auth.NewManager(client, store),
		directory.New(client),
		verification.New(client),
		serverinfo.New(client),
		console.WithInviteDomain(cfg.Invite.Domain),
		console.WithInvitePassword(cfg.Invite.Password),
	)

	if actor == "" {
		actor = cfg.Actor
	}
	ctx = auth.ContextWithActor(ctx, actor)
	ctx = audit.WithRequestID(ctx, ids.RequestID())

	e := &env{
		console: c,
		stdin:   stdin,
		out:     newPrinter(stdout, output),
	}
	err = cmd.run(ctx, e, cmdArgs)
	if metrics != "" {
		if werr := obs.WriteTextFile(metrics); werr != nil {
			obs.Logger().WithError(werr).Warn("metrics file not written")
		}
	}
	return err
}

func openStore(cfg config.Config) (credstore.Store, func(), error) {
	noop := func() {}
	switch cfg.Credentials.Backend {
	case config.StoreMemory:
		return credstore.NewMemory(), noop, nil
	case config.StoreFile:
		s, err := credstore.NewFileStore(cfg.Credentials.Dir, cfg.Credentials.Passphrase, credstore.WithWorkFactor(cfg.Credentials.WorkFactor))
		if err != nil {
			return nil, nil, err
		}
		return s, noop, nil
	case config.StoreSQL:
		db, err := credstore.OpenPostgres(cfg.Credentials.DSN)
		if err != nil {
			return nil, nil, err
		}
		return credstore.NewSQLStore(db), func() { _ = db.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown credential store %q", cfg.Credentials.Backend)
	}
}
