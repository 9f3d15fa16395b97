package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/ggoodman/mcp-streamable-go/sessions/memorystore"
	"github.com/ggoodman/mcp-streamable-go/stdio"
	"github.com/spf13/cobra"
)

func newStdioCmd(cfg Config) *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:     "stdio",
		Short:   "Serve the demo handlers over stdin/stdout",
		Example: "mcpstream stdio --servers-file servers.yaml --server tools",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// stdout carries the protocol, so logs always go to stderr.
			log, err := newLogger(cmd.ErrOrStderr(), cfg.LogFormat, cfg.LogLevel)
			if err != nil {
				return err
			}
			return runStdio(cmd.Context(), cfg, server, cmd.InOrStdin(), cmd.OutOrStdout(), log)
		},
	}

	f := cmd.Flags()
	f.StringVar(&server, "server", "", "name of the configured server to run (default: the first)")
	f.StringVar(&cfg.ServersFile, "servers-file", cfg.ServersFile, "YAML file listing the available servers")
	f.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "how often a suspended handler is checked for timeout")
	f.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "console or json")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	return cmd
}

func runStdio(ctx context.Context, cfg Config, name string, in io.Reader, out io.Writer, log *slog.Logger) error {
	servers, err := cfg.servers()
	if err != nil {
		return err
	}
	sc := servers[0]
	if name != "" {
		found := false
		for _, s := range servers {
			if s.Name == name {
				sc, found = s, true
				break
			}
		}
		if !found {
			return fmt.Errorf("no server named %q", name)
		}
	}

	store := memorystore.New(memorystore.WithTTL(cfg.TTL), memorystore.WithLogger(log))
	d, err := newDispatcher(store, cfg, sc, log)
	if err != nil {
		return err
	}
	h, err := stdio.NewHandler(store, d,
		stdio.WithIO(in, out),
		stdio.WithLogger(log.With(slog.String("server", sc.Name))),
		stdio.WithPollInterval(cfg.PollInterval),
	)
	if err != nil {
		return err
	}
	log.Info("stdio.start", slog.String("server", sc.Name))
	return h.Serve(ctx)
}
