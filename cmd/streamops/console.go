package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/antonkrylov/streamops/internal/config"
	"github.com/antonkrylov/streamops/internal/dispatch"
)

type consoleOptions struct {
	operator string
	saveDir  string
}

func newConsoleCmd(root *rootOptions) *cobra.Command {
	opts := &consoleOptions{}
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Drive the dispatcher from the terminal, one line per message",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := root.logger(cmd.ErrOrStderr())
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return err
			}
			if err := promptPasswords(cfg, cmd.ErrOrStderr()); err != nil {
				return err
			}
			operator := opts.operator
			if operator == "" {
				if len(cfg.Operators) == 0 {
					return fmt.Errorf("no operators configured; pass --operator")
				}
				operator = cfg.Operators[0]
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := buildRuntime(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			out := &consoleOutput{w: cmd.OutOrStdout(), saveDir: opts.saveDir}
			d, err := rt.dispatcher(out, out)
			if err != nil {
				return err
			}
			return runConsole(ctx, d, operator, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.operator, "operator", "", "operator id to act as (default: first configured operator)")
	cmd.Flags().StringVar(&opts.saveDir, "save-dir", ".", "directory where delivered recordings are saved")
	return cmd
}

type eventHandler interface {
	Handle(ctx context.Context, ev dispatch.Event) error
}

func runConsole(ctx context.Context, h eventHandler, operator string, in io.Reader, out io.Writer) error {
	fmt.Fprintf(out, "acting as operator %s; Ctrl-D to quit\n", operator)
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()
	for {
		fmt.Fprint(out, "> ")
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return nil
		case line, ok := <-lines:
			if !ok {
				fmt.Fprintln(out)
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if err := h.Handle(ctx, dispatch.Event{Operator: operator, Payload: strings.TrimSpace(line)}); err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
		}
	}
}

// consoleOutput prints replies and saves relayed files.
type consoleOutput struct {
	w       io.Writer
	saveDir string
}

func (c *consoleOutput) Reply(_ context.Context, _ string, msg dispatch.Message) error {
	fmt.Fprintln(c.w, msg.Text)
	if len(msg.Keyboard) > 0 {
		buttons := make([]string, len(msg.Keyboard))
		for i, k := range msg.Keyboard {
			buttons[i] = "[" + k + "]"
		}
		fmt.Fprintln(c.w, strings.Join(buttons, " "))
	}
	return nil
}

func (c *consoleOutput) SendFile(_ context.Context, _ string, localPath, displayName string) error {
	if err := os.MkdirAll(c.saveDir, 0o755); err != nil {
		return err
	}
	dst := filepath.Join(c.saveDir, filepath.Base(displayName))
	in, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer in.Close()
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	n, err := io.Copy(f, in)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dst)
		return err
	}
	fmt.Fprintf(c.w, "saved %s (%d bytes)\n", dst, n)
	return nil
}

// promptPasswords asks for passwords the config leaves unset, when stdin is
// a terminal.
func promptPasswords(cfg *config.Config, w io.Writer) error {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil
	}
	for i := range cfg.Targets {
		t := &cfg.Targets[i]
		if t.ResolvedPassword() != "" {
			continue
		}
		fmt.Fprintf(w, "password for %s@%s (%s): ", t.User, t.Host, t.Name)
		pw, err := term.ReadPassword(fd)
		fmt.Fprintln(w)
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		t.Password = string(pw)
	}
	return nil
}
