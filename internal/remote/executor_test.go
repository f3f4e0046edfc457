package remote

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeConn struct {
	mu     sync.Mutex
	closed int

	run   func(ctx context.Context, command string, stdout, stderr io.Writer) (int, error)
	fetch func(ctx context.Context, path string, dst io.Writer) (int64, error)
}

func (c *fakeConn) Run(ctx context.Context, command string, stdout, stderr io.Writer) (int, error) {
	return c.run(ctx, command, stdout, stderr)
}

func (c *fakeConn) Fetch(ctx context.Context, path string, dst io.Writer) (int64, error) {
	return c.fetch(ctx, path, dst)
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

type fakeDialer struct {
	conn    *fakeConn
	err     error
	dialed  int
	targets []Target
}

func (d *fakeDialer) Dial(_ context.Context, target Target, _ time.Duration) (Conn, error) {
	d.dialed++
	d.targets = append(d.targets, target)
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

var testTarget = Target{Name: "A", Addr: "10.0.0.1:22", User: "root", Password: "secret"}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestExecuteSuccess(t *testing.T) {
	conn := &fakeConn{run: func(_ context.Context, command string, stdout, _ io.Writer) (int, error) {
		_, _ = io.WriteString(stdout, "streaming_script-ffmpeg_bk02-1\n")
		return 0, nil
	}}
	exec := &Executor{Dialer: &fakeDialer{conn: conn}}
	res, err := exec.Execute(context.Background(), testTarget, "docker restart x", time.Second)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Succeeded() || res.ExitCode != 0 {
		t.Fatalf("result=%+v", res)
	}
	if res.Stdout != "streaming_script-ffmpeg_bk02-1" {
		t.Fatalf("stdout=%q", res.Stdout)
	}
	if conn.closed != 1 {
		t.Fatalf("closed=%d", conn.closed)
	}
}

func TestExecuteNonZeroExitIsNotAnError(t *testing.T) {
	conn := &fakeConn{run: func(_ context.Context, _ string, _, stderr io.Writer) (int, error) {
		_, _ = io.WriteString(stderr, "Error: No such container\n")
		return 1, nil
	}}
	exec := &Executor{Dialer: &fakeDialer{conn: conn}}
	res, err := exec.Execute(context.Background(), testTarget, "docker restart x", time.Second)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Succeeded() {
		t.Fatalf("expected failure")
	}
	if res.Stderr != "Error: No such container" {
		t.Fatalf("stderr=%q", res.Stderr)
	}
	if conn.closed != 1 {
		t.Fatalf("closed=%d", conn.closed)
	}
}

func TestExecuteFailureKinds(t *testing.T) {
	cases := []struct {
		name    string
		dialErr error
		runErr  error
		want    Kind
	}{
		{name: "auth", dialErr: &Error{Kind: KindAuth, Op: OpConnect, Err: errors.New("ssh: unable to authenticate")}, want: KindAuth},
		{name: "network", dialErr: errors.New("dial tcp: connection refused"), want: KindNetwork},
		{name: "dial timeout", dialErr: timeoutErr{}, want: KindTimeout},
		{name: "start", runErr: &Error{Kind: KindStart, Op: OpRun, Err: errors.New("session refused")}, want: KindStart},
		{name: "protocol", runErr: errors.New("wait: remote command exited without exit status"), want: KindNetwork},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn := &fakeConn{run: func(context.Context, string, io.Writer, io.Writer) (int, error) {
				return -1, tc.runErr
			}}
			dialer := &fakeDialer{conn: conn, err: tc.dialErr}
			exec := &Executor{Dialer: dialer}
			_, err := exec.Execute(context.Background(), testTarget, "true", time.Second)
			if !IsKind(err, tc.want) {
				t.Fatalf("err=%v want kind %s", err, tc.want)
			}
			var remoteErr *Error
			if !errors.As(err, &remoteErr) || remoteErr.Target != "A" {
				t.Fatalf("err=%#v", err)
			}
			if strings.Contains(err.Error(), "secret") {
				t.Fatalf("error leaks password: %v", err)
			}
			if tc.dialErr == nil && conn.closed != 1 {
				t.Fatalf("closed=%d", conn.closed)
			}
		})
	}
}

func TestExecuteTimeoutClosesConnection(t *testing.T) {
	conn := &fakeConn{run: func(ctx context.Context, _ string, _, _ io.Writer) (int, error) {
		<-ctx.Done()
		return -1, ctx.Err()
	}}
	exec := &Executor{Dialer: &fakeDialer{conn: conn}}
	_, err := exec.Execute(context.Background(), testTarget, "sleep 100", 20*time.Millisecond)
	if !IsKind(err, KindTimeout) {
		t.Fatalf("err=%v", err)
	}
	if conn.closed != 1 {
		t.Fatalf("closed=%d", conn.closed)
	}
}

func TestExecuteDialsFreshConnectionPerCall(t *testing.T) {
	conn := &fakeConn{run: func(context.Context, string, io.Writer, io.Writer) (int, error) { return 0, nil }}
	dialer := &fakeDialer{conn: conn}
	exec := &Executor{Dialer: dialer}
	for i := 0; i < 3; i++ {
		if _, err := exec.Execute(context.Background(), testTarget, "true", time.Second); err != nil {
			t.Fatal(err)
		}
	}
	if dialer.dialed != 3 || conn.closed != 3 {
		t.Fatalf("dialed=%d closed=%d", dialer.dialed, conn.closed)
	}
}

func TestFetchWritesLocalFile(t *testing.T) {
	conn := &fakeConn{fetch: func(_ context.Context, path string, dst io.Writer) (int64, error) {
		n, err := io.Copy(dst, strings.NewReader("video:"+path))
		return n, err
	}}
	exec := &Executor{Dialer: &fakeDialer{conn: conn}}
	local := filepath.Join(t.TempDir(), "a.mp4")
	n, err := exec.Fetch(context.Background(), testTarget, "/home/video/bk1/a.mp4", local)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	data, err := os.ReadFile(local)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "video:/home/video/bk1/a.mp4" || n != int64(len(data)) {
		t.Fatalf("data=%q n=%d", data, n)
	}
	if conn.closed != 1 {
		t.Fatalf("closed=%d", conn.closed)
	}
}

func TestFetchFailureRemovesPartialFile(t *testing.T) {
	conn := &fakeConn{fetch: func(_ context.Context, _ string, dst io.Writer) (int64, error) {
		_, _ = io.WriteString(dst, "partial")
		return 7, errors.New("connection lost")
	}}
	exec := &Executor{Dialer: &fakeDialer{conn: conn}}
	local := filepath.Join(t.TempDir(), "a.mp4")
	if _, err := exec.Fetch(context.Background(), testTarget, "/x/a.mp4", local); !IsKind(err, KindNetwork) {
		t.Fatalf("err=%v", err)
	}
	if _, err := os.Stat(local); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("partial file left behind: %v", err)
	}
	if conn.closed != 1 {
		t.Fatalf("closed=%d", conn.closed)
	}
}

func TestFetchMissingRemoteFile(t *testing.T) {
	conn := &fakeConn{fetch: func(context.Context, string, io.Writer) (int64, error) {
		return 0, os.ErrNotExist
	}}
	exec := &Executor{Dialer: &fakeDialer{conn: conn}}
	local := filepath.Join(t.TempDir(), "a.mp4")
	if _, err := exec.Fetch(context.Background(), testTarget, "/x/a.mp4", local); !IsKind(err, KindNotFound) {
		t.Fatalf("err=%v", err)
	}
}

func TestQuote(t *testing.T) {
	cases := map[string]string{
		"":              "''",
		"/home/video":   "'/home/video'",
		"it's":          `'it'"'"'s'`,
		"a b; rm -rf /": "'a b; rm -rf /'",
	}
	for in, want := range cases {
		if got := Quote(in); got != want {
			t.Fatalf("Quote(%q)=%q want %q", in, got, want)
		}
	}
}

func TestWithDefaultPort(t *testing.T) {
	if got := withDefaultPort("10.0.0.1"); got != "10.0.0.1:22" {
		t.Fatalf("got %q", got)
	}
	if got := withDefaultPort("10.0.0.1:2222"); got != "10.0.0.1:2222" {
		t.Fatalf("got %q", got)
	}
}
