package remote

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"
)

// Target is an immutable host + credential pair from the catalog.
type Target struct {
	Name     string
	Addr     string
	User     string
	Password string
	// HostKey is an authorized_keys formatted public key. Empty accepts any key.
	HostKey string
}

// CommandResult captures one remote command execution.
type CommandResult struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Succeeded reports whether the command exited with status 0.
func (r CommandResult) Succeeded() bool {
	return r.ExitCode == 0
}

// Conn is one authenticated connection to a target.
type Conn interface {
	// Run starts command and waits for it. exit is meaningful only when err is nil.
	Run(ctx context.Context, command string, stdout, stderr io.Writer) (exit int, err error)
	// Fetch copies the remote file at path into dst.
	Fetch(ctx context.Context, path string, dst io.Writer) (int64, error)
	Close() error
}

// Dialer opens connections. Executor never reuses a Conn across calls.
type Dialer interface {
	Dial(ctx context.Context, target Target, timeout time.Duration) (Conn, error)
}

// Executor runs commands and fetches files on remote targets, one fresh
// connection per call.
type Executor struct {
	Dialer          Dialer
	Logger          *slog.Logger
	ConnectTimeout  time.Duration
	CommandTimeout  time.Duration
	TransferTimeout time.Duration
}

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func (e *Executor) logger() *slog.Logger {
	if e.Logger == nil {
		return discardLogger
	}
	return e.Logger
}

func (e *Executor) connectTimeout() time.Duration {
	if e.ConnectTimeout <= 0 {
		return 10 * time.Second
	}
	return e.ConnectTimeout
}

// Execute runs command on target. A non-zero exit is not an error; it is
// reported through CommandResult. Every returned error is an *Error.
func (e *Executor) Execute(ctx context.Context, target Target, command string, timeout time.Duration) (CommandResult, error) {
	if timeout <= 0 {
		timeout = e.CommandTimeout
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	result := CommandResult{Command: command, ExitCode: -1}
	e.logger().Info("remote command", "target", target.Name, "addr", target.Addr, "command", command)

	conn, err := e.Dialer.Dial(ctx, target, e.connectTimeout())
	if err != nil {
		rerr := classify(ctx, OpConnect, target, err)
		e.logger().Error("remote connect failed", "target", target.Name, "kind", rerr.Kind.String(), "err", err)
		return result, rerr
	}
	defer e.release(target, conn)

	var stdout, stderr bytes.Buffer
	exit, err := conn.Run(ctx, command, &stdout, &stderr)
	result.Duration = time.Since(started)
	result.Stdout = strings.TrimSpace(stdout.String())
	result.Stderr = strings.TrimSpace(stderr.String())
	if err != nil {
		rerr := classify(ctx, OpRun, target, err)
		e.logger().Error("remote command failed", "target", target.Name, "kind", rerr.Kind.String(), "err", err)
		return result, rerr
	}
	result.ExitCode = exit
	e.logger().Info("remote command finished",
		"target", target.Name,
		"exit", exit,
		"duration", result.Duration.Round(time.Millisecond),
	)
	if result.Stderr != "" {
		e.logger().Warn("remote command stderr", "target", target.Name, "stderr", result.Stderr)
	}
	return result, nil
}

// Fetch copies remotePath on target into localPath, which must not exist.
// localPath is removed again when the copy fails.
func (e *Executor) Fetch(ctx context.Context, target Target, remotePath, localPath string) (int64, error) {
	timeout := e.TransferTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := e.Dialer.Dial(ctx, target, e.connectTimeout())
	if err != nil {
		return 0, classify(ctx, OpConnect, target, err)
	}
	defer e.release(target, conn)

	f, err := os.OpenFile(localPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, &Error{Kind: KindStart, Op: OpFetch, Target: target.Name, Err: err}
	}
	n, err := conn.Fetch(ctx, remotePath, f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(localPath)
		rerr := classify(ctx, OpFetch, target, err)
		e.logger().Error("remote fetch failed", "target", target.Name, "path", remotePath, "kind", rerr.Kind.String(), "err", err)
		return n, rerr
	}
	e.logger().Info("remote fetch finished", "target", target.Name, "path", remotePath, "bytes", n)
	return n, nil
}

func (e *Executor) release(target Target, conn Conn) {
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		e.logger().Debug("remote close", "target", target.Name, "err", err)
	}
}

func classify(ctx context.Context, op string, target Target, err error) *Error {
	var remoteErr *Error
	if errors.As(err, &remoteErr) {
		out := *remoteErr
		if out.Op == "" {
			out.Op = op
		}
		if out.Target == "" {
			out.Target = target.Name
		}
		return &out
	}
	kind := KindNetwork
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		kind = KindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = KindTimeout
	case errors.Is(err, os.ErrNotExist):
		kind = KindNotFound
	}
	return &Error{Kind: kind, Op: op, Target: target.Name, Err: err}
}
