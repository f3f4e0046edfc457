package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/antonkrylov/streamops/internal/config"
	"github.com/antonkrylov/streamops/internal/dispatch"
)

func newDoctorCmd(root *rootOptions) *cobra.Command {
	var probe bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Print the effective configuration and optionally probe every target over SSH",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config=%s\n", root.configPath)
			_, statErr := os.Stat(root.configPath)
			fmt.Fprintf(out, "config_present=%t\n", statErr == nil)
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return err
			}
			printConfig(out, cfg)
			if !probe {
				return nil
			}
			return probeTargets(cmd.Context(), cfg, root, out)
		},
	}
	cmd.Flags().BoolVar(&probe, "probe", false, "run a no-op command on every target")
	return cmd
}

func printConfig(out io.Writer, cfg *config.Config) {
	fmt.Fprintf(out, "operators=%d\n", len(cfg.Operators))
	for _, t := range cfg.Targets {
		fmt.Fprintf(out, "target.%s=%s@%s password_set=%t host_key_pinned=%t\n",
			t.Name, t.User, t.Host, t.ResolvedPassword() != "", t.HostKey != "")
	}
	fmt.Fprintf(out, "restart.targets=%v\n", cfg.Restart.Targets)
	fmt.Fprintf(out, "restart.tables=%d\n", cfg.Restart.Tables)
	fmt.Fprintf(out, "media.target=%s\n", cfg.Media.Target)
	fmt.Fprintf(out, "media.baseDir=%s\n", cfg.Media.BaseDir)
	fmt.Fprintf(out, "media.strategy=%s\n", cfg.Media.Strategy)
	fmt.Fprintf(out, "media.window=%s\n", cfg.Media.Window)
	fmt.Fprintf(out, "media.selection=%s\n", cfg.Media.Selection)
	fmt.Fprintf(out, "media.timezone=%s\n", cfg.Media.Timezone)
	fmt.Fprintf(out, "telegram.token_set=%t\n", cfg.Telegram.ResolvedToken() != "")
	fmt.Fprintf(out, "http.addr=%s\n", cfg.HTTP.Addr)
	fmt.Fprintf(out, "grpc.healthAddr=%s\n", cfg.GRPC.HealthAddr)
	fmt.Fprintf(out, "audit.file=%s\n", cfg.Audit.File)
	fmt.Fprintf(out, "audit.nats=%t\n", cfg.Audit.NATS != nil)
}

func probeTargets(ctx context.Context, cfg *config.Config, root *rootOptions, out io.Writer) error {
	exec := newExecutor(cfg, root.logger(io.Discard))
	failed := 0
	for _, t := range cfg.Targets {
		start := time.Now()
		res, err := exec.Execute(ctx, dispatch.RemoteTarget(t), "true", cfg.Timeouts.Connect+cfg.Timeouts.Command)
		switch {
		case err != nil:
			failed++
			fmt.Fprintf(out, "probe.%s=error err=%q\n", t.Name, err.Error())
		case res.ExitCode != 0:
			failed++
			fmt.Fprintf(out, "probe.%s=failed exit=%d\n", t.Name, res.ExitCode)
		default:
			fmt.Fprintf(out, "probe.%s=ok duration=%s\n", t.Name, time.Since(start).Round(time.Millisecond))
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d targets failed the probe", failed, len(cfg.Targets))
	}
	return nil
}
