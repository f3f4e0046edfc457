package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// errHostKeyMismatch reports a server key that differs from the pinned one.
var errHostKeyMismatch = errors.New("ssh: host key mismatch")

// SSHDialer dials targets with password authentication.
type SSHDialer struct {
	Logger *slog.Logger
}

func (d SSHDialer) Dial(ctx context.Context, target Target, timeout time.Duration) (Conn, error) {
	hostKeyCallback, err := d.hostKeyCallback(target)
	if err != nil {
		return nil, &Error{Kind: KindAuth, Op: OpConnect, Target: target.Name, Err: err}
	}
	password := target.Password
	cfg := &ssh.ClientConfig{
		User: target.User,
		Auth: []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	addr := withDefaultPort(target.Addr)
	dialer := net.Dialer{Timeout: timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	// Bound the handshake; the deadline is cleared once the client is up.
	if err := netConn.SetDeadline(time.Now().Add(timeout)); err != nil {
		_ = netConn.Close()
		return nil, err
	}
	clientConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		_ = netConn.Close()
		if isHostKeyMismatch(err) {
			return nil, &Error{Kind: KindAuth, Op: OpConnect, Target: target.Name, Err: errHostKeyMismatch}
		}
		if isAuthFailure(err) {
			return nil, &Error{Kind: KindAuth, Op: OpConnect, Target: target.Name, Err: errors.New("ssh: unable to authenticate")}
		}
		return nil, err
	}
	if err := netConn.SetDeadline(time.Time{}); err != nil {
		_ = clientConn.Close()
		return nil, err
	}
	return &sshConn{client: ssh.NewClient(clientConn, chans, reqs)}, nil
}

func (d SSHDialer) hostKeyCallback(target Target) (ssh.HostKeyCallback, error) {
	if strings.TrimSpace(target.HostKey) == "" {
		if d.Logger != nil {
			d.Logger.Warn("host key not pinned, accepting any key", "target", target.Name)
		}
		return ssh.InsecureIgnoreHostKey(), nil
	}
	key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(target.HostKey))
	if err != nil {
		return nil, fmt.Errorf("parse host key: %w", err)
	}
	fixed := ssh.FixedHostKey(key)
	return func(hostname string, remote net.Addr, got ssh.PublicKey) error {
		if err := fixed(hostname, remote, got); err != nil {
			return errHostKeyMismatch
		}
		return nil
	}, nil
}

func isHostKeyMismatch(err error) bool {
	return errors.Is(err, errHostKeyMismatch) || strings.Contains(err.Error(), errHostKeyMismatch.Error())
}

func isAuthFailure(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}

func withDefaultPort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, "22")
}

type sshConn struct {
	client *ssh.Client
}

func (c *sshConn) Run(ctx context.Context, command string, stdout, stderr io.Writer) (int, error) {
	sess, err := c.client.NewSession()
	if err != nil {
		return -1, &Error{Kind: KindStart, Op: OpRun, Err: err}
	}
	defer sess.Close()
	sess.Stdout = stdout
	sess.Stderr = stderr
	if err := sess.Start(command); err != nil {
		return -1, &Error{Kind: KindStart, Op: OpRun, Err: err}
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()
	select {
	case err := <-done:
		return exitStatus(err)
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = c.client.Close()
		<-done
		return -1, ctx.Err()
	}
}

func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	return -1, err
}

func (c *sshConn) Fetch(ctx context.Context, path string, dst io.Writer) (int64, error) {
	client, err := sftp.NewClient(c.client)
	if err != nil {
		return 0, &Error{Kind: KindStart, Op: OpFetch, Err: fmt.Errorf("sftp subsystem: %w", err)}
	}
	defer client.Close()

	src, err := client.Open(path)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	stop := context.AfterFunc(ctx, func() { _ = c.client.Close() })
	defer stop()
	n, err := io.Copy(dst, src)
	if err != nil && ctx.Err() != nil {
		return n, ctx.Err()
	}
	return n, err
}

func (c *sshConn) Close() error {
	return c.client.Close()
}

// Quote single-quotes s for a POSIX shell.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
