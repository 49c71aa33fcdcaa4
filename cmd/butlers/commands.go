package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/butlerhq/butlerd/pkg/config"
	"github.com/butlerhq/butlerd/pkg/daemon"
	"github.com/butlerhq/butlerd/pkg/database"
)

const defaultRosterDir = "roster"

func newListCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List butlers in the roster and whether they are running",
		RunE: func(cmd *cobra.Command, _ []string) error {
			butlers, err := config.DiscoverRoster(dir)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%-16s %-6s %-10s %-24s %s\n", "NAME", "PORT", "STATUS", "MODULES", "DESCRIPTION")
			for _, b := range butlers {
				status := "stopped"
				if portOpen(b.Port) {
					status = "running"
				}
				fmt.Fprintf(w, "%-16s %-6d %-10s %-24s %s\n",
					b.Name, b.Port, status, strings.Join(b.Modules, ","), b.Description)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", defaultRosterDir, "roster directory")
	return cmd
}

// portOpen reports whether anything listens on the butler's port.
func portOpen(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 500*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

const scaffoldConfig = `[butler]
name = %q
port = %d
description = ""
modules = []

[butler.runtime]
adapter = "gemini"

# [[butler.schedule]]
# name = "morning-brief"
# cron = "0 7 * * *"
# prompt = "Summarize overnight messages"
`

func newInitCmd() *cobra.Command {
	var port int
	var dir string
	cmd := &cobra.Command{
		Use:   "init <name>",
		Short: "Scaffold a new butler directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			target := filepath.Join(dir, name)
			if _, err := os.Stat(filepath.Join(target, config.ConfigFileName)); err == nil {
				return fmt.Errorf("%s already exists", target)
			}
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			content := fmt.Sprintf(scaffoldConfig, name, port)
			if err := os.WriteFile(filepath.Join(target, config.ConfigFileName), []byte(content), 0o644); err != nil {
				return err
			}
			prompt := fmt.Sprintf("You are %s, a butler in the household fleet.\n", name)
			if err := os.WriteFile(filepath.Join(target, "system_prompt.md"), []byte(prompt), 0o644); err != nil {
				return err
			}
			// Validate what we just wrote so a broken scaffold fails here,
			// not on first run.
			if _, err := config.Load(target); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Scaffolded %s\n", target)
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", 8301, "port for the new butler")
	cmd.Flags().StringVar(&dir, "dir", defaultRosterDir, "roster directory")
	return cmd
}

func newUpCmd() *cobra.Command {
	var dir string
	var only []string
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Start daemons for all (or selected) butlers in the roster",
		RunE: func(cmd *cobra.Command, _ []string) error {
			butlers, err := config.DiscoverRoster(dir)
			if err != nil {
				return err
			}
			if len(only) > 0 {
				butlers = filterButlers(butlers, only)
				if len(butlers) == 0 {
					return fmt.Errorf("no roster butlers match --only %s", strings.Join(only, ","))
				}
			}
			if len(butlers) == 0 {
				return fmt.Errorf("no butlers found under %s", dir)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// All daemons must construct before any serves, so a broken
			// config fails the whole up instead of a partial fleet.
			daemons := make([]*daemon.Daemon, 0, len(butlers))
			for _, b := range butlers {
				d, err := daemon.New(ctx, b)
				if err != nil {
					return fmt.Errorf("starting %s: %w", b.Name, err)
				}
				daemons = append(daemons, d)
			}

			var wg sync.WaitGroup
			errCh := make(chan error, len(daemons))
			for _, d := range daemons {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := d.Run(ctx); err != nil {
						errCh <- err
						stop()
					}
				}()
			}
			wg.Wait()
			close(errCh)
			return <-errCh
		},
	}
	cmd.Flags().StringVar(&dir, "dir", defaultRosterDir, "roster directory")
	cmd.Flags().StringSliceVar(&only, "only", nil, "start only these butlers")
	return cmd
}

func filterButlers(butlers []*config.Butler, names []string) []*config.Butler {
	want := map[string]bool{}
	for _, name := range names {
		want[strings.TrimSpace(name)] = true
	}
	var out []*config.Butler
	for _, b := range butlers {
		if want[b.Name] {
			out = append(out, b)
		}
	}
	return out
}

func newRunCmd() *cobra.Command {
	var configDir string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a single butler daemon in-process",
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := config.Load(configDir)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			d, err := daemon.New(ctx, b)
			if err != nil {
				return err
			}
			return d.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&configDir, "config", "", "butler config directory")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	var chain, url, schema string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply one migration chain to a schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			valid := false
			for _, c := range database.Chains() {
				if c == chain {
					valid = true
					break
				}
			}
			if !valid {
				return fmt.Errorf("unknown chain %q (valid: %s)", chain, strings.Join(database.Chains(), ", "))
			}
			if schema == "" {
				schema = chain
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()
			if err := database.Migrate(ctx, database.Config{URL: url}, chain, schema); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied chain %s to schema %s\n", chain, schema)
			return nil
		},
	}
	cmd.Flags().StringVar(&chain, "chain", "", "migration chain name")
	cmd.Flags().StringVar(&url, "url", "", "database DSN")
	cmd.Flags().StringVar(&schema, "schema", "", "target schema (defaults to the chain name)")
	_ = cmd.MarkFlagRequired("chain")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}
