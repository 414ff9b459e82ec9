// Command ipakeeper signs in to the App Store, browses the catalog and
// version history, and downloads signed application packages.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/and161185/ipakeeper/internal/config"
	"github.com/and161185/ipakeeper/internal/errs"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

const usageText = `ipakeeper - App Store package downloader

Usage:
  ipakeeper [global flags] <command> [flags] [args]

Commands:
  version
  login      -e <email> [-p <password>] [--code <2fa>]
  logout     -e <email>
  accounts
  lookup     <bundle-id> [--region CC]
  search     <term> [--region CC] [--limit N]
  versions   <bundle-id> [-e <email>] [--count N | --all]
  purchase   <bundle-id> [-e <email>]
  download   <bundle-id> [-e <email>] [--version <id>]
  jobs
  resume     <job-id>
  restart    <job-id>
  delete     <job-id>
  remove-all

Passwords and the secret store passphrase are read from IPAKEEPER_PASSWORD
and IPAKEEPER_PASSPHRASE when not given.

Global flags:
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err == nil {
		return
	}
	if errors.Is(err, pflag.ErrHelp) {
		os.Exit(2)
	}
	fmt.Fprintf(os.Stderr, "ipakeeper: %v\n", err)
	if kind := errs.KindOf(err); kind != errs.KindOther {
		fmt.Fprintf(os.Stderr, "error kind: %s\n", kind)
	}
	os.Exit(1)
}

// run parses global flags, loads configuration and dispatches the command.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := pflag.NewFlagSet("ipakeeper", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.SetInterspersed(false)
	flags := config.AddFlags(fs)
	fs.Usage = func() {
		fmt.Fprint(stderr, usageText)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return pflag.ErrHelp
	}
	name, rest := fs.Arg(0), fs.Args()[1:]

	if name == "version" {
		fmt.Fprintf(stdout, "ipakeeper %s (%s)\n", version, buildDate)
		return nil
	}
	cmd, ok := commands[name]
	if !ok {
		fs.Usage()
		return fmt.Errorf("unknown command %q", name)
	}

	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return err
	}
	flags.Apply(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	a, err := newApp(ctx, cfg, stdout, stderr)
	if err != nil {
		return err
	}
	return a.run(ctx, func(ctx context.Context) error {
		return cmd(ctx, a, rest)
	})
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
