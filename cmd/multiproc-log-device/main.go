package main

import (
	"context"
	"fmt"
	"os"
	"plugin"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/zendesk/multiproc-log-device/internal/server"
	"github.com/zendesk/multiproc-log-device/internal/sizeflag"
)

func main() {
	app := &cli.App{
		Name:      "multiproc-log-device",
		Usage:     "supervise a subcommand and collect its output and the structured messages its descendants send",
		ArgsUsage: "[options] -- <subcommand> [args...]",
		Writer:    os.Stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "require",
				Aliases: []string{"r"},
				Usage:   "Load a Go plugin (.so) whose init() registers custom framings.",
			},
			&cli.StringFlag{
				Name:    "framing",
				Aliases: []string{"f"},
				Value:   "none",
				Usage:   "Framing to apply: none, line, json, logfmt, or a plugin-registered name.",
			},
			&cli.BoolFlag{
				Name:  "kill-pgroup",
				Usage: "Forward signals to the child's process group instead of just the child.",
			},
			&cli.StringFlag{
				Name:    "max-line-length",
				Aliases: []string{"l"},
				Value:   "0",
				Usage:   "Max bytes buffered per stream line before it is emitted unterminated. Accepts k/M/G suffixes. 0 = unlimited.",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run builds and executes one server.Server from the parsed flags, then
// exits this process with the subcommand's own exit code (§6) rather
// than returning, so main's own os.Exit(1) path is reserved for parse
// and startup failures.
func run(c *cli.Context) error {
	argv := c.Args().Slice()
	if len(argv) == 0 {
		return fmt.Errorf("no subcommand given; usage: multiproc-log-device %s", c.App.ArgsUsage)
	}

	if reqPath := c.String("require"); reqPath != "" {
		if _, err := plugin.Open(reqPath); err != nil {
			return fmt.Errorf("loading plugin %s: %w", reqPath, err)
		}
	}

	maxLineLength, err := sizeflag.Parse(c.String("max-line-length"))
	if err != nil {
		return fmt.Errorf("parsing --max-line-length: %w", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	log := logger.Sugar()

	s := server.New(server.Config{
		Argv:          argv,
		Framing:       c.String("framing"),
		Output:        os.Stdout,
		KillPGroup:    c.Bool("kill-pgroup"),
		MaxLineLength: maxLineLength,
		CaptureStderr: true,
	}, log)

	status, runErr := s.Run(context.Background())
	if runErr != nil {
		log.Errorf("run failed: %s", runErr)
		_ = logger.Sync()
		os.Exit(1)
	}

	_ = logger.Sync()
	os.Exit(status.ExitCode)
	return nil
}
