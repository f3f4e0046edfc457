package e2e_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/antonkrylov/streamops/internal/locate"
	"github.com/antonkrylov/streamops/internal/remote"
	"github.com/antonkrylov/streamops/internal/transfer"
)

// TestE2E_SSHRemoteHost exercises restart-style execution, recording lookup
// and the fetch pipeline against a real SSH host.
func TestE2E_SSHRemoteHost(t *testing.T) {
	addr := strings.TrimSpace(os.Getenv("STREAMOPS_E2E_SSH_HOST"))
	if addr == "" {
		t.Skip("set STREAMOPS_E2E_SSH_HOST (host:port), STREAMOPS_E2E_SSH_USER and STREAMOPS_E2E_SSH_PASSWORD to run")
	}
	target := remote.Target{
		Name:     "e2e",
		Addr:     addr,
		User:     envOr("STREAMOPS_E2E_SSH_USER", "root"),
		Password: os.Getenv("STREAMOPS_E2E_SSH_PASSWORD"),
		HostKey:  os.Getenv("STREAMOPS_E2E_SSH_HOSTKEY"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	exec := &remote.Executor{
		Dialer:          remote.SSHDialer{},
		ConnectTimeout:  10 * time.Second,
		CommandTimeout:  30 * time.Second,
		TransferTimeout: time.Minute,
	}

	res, err := exec.Execute(ctx, target, "echo hello; echo oops >&2; exit 3", 0)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.ExitCode != 3 || strings.TrimSpace(res.Stdout) != "hello" || strings.TrimSpace(res.Stderr) != "oops" {
		t.Fatalf("result=%+v", res)
	}

	dir := fmt.Sprintf("/tmp/streamops-e2e-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_, _ = exec.Execute(context.Background(), target, "rm -rf "+remote.Quote(dir), 0)
	})
	setup := strings.Join([]string{
		"mkdir -p " + remote.Quote(dir),
		"printf one > " + remote.Quote(dir+"/bk1_20240101_095930.mp4"),
		"printf two > " + remote.Quote(dir+"/bk1_20240101_100030.mp4"),
		"printf far > " + remote.Quote(dir+"/bk1_20240101_120000.mp4"),
	}, " && ")
	if res, err := exec.Execute(ctx, target, setup, 0); err != nil || res.ExitCode != 0 {
		t.Fatalf("setup: %+v %v", res, err)
	}

	loc := &locate.Locator{
		Runner:   exec,
		Pattern:  "*.mp4",
		Regex:    regexp.MustCompile(`\d{8}_\d{6}`),
		Layout:   "20060102_150405",
		Location: time.UTC,
		Strategy: locate.StrategyFilename,
	}
	start, end := locate.Window(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), time.Minute)
	found, err := loc.Locate(ctx, target, dir, start, end)
	if err != nil {
		t.Fatalf("locate: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("found=%+v", found)
	}

	relay := &collectingRelay{contents: map[string]string{}}
	scratch := filepath.Join(t.TempDir(), "scratch")
	p := &transfer.Pipeline{Fetcher: exec, Relay: relay, ScratchDir: scratch}
	report := p.Transfer(ctx, "42", target, found)
	if !report.OK() || report.Delivered() != 2 {
		t.Fatalf("report=%+v", report)
	}
	if relay.contents["bk1_20240101_095930.mp4"] != "one" || relay.contents["bk1_20240101_100030.mp4"] != "two" {
		t.Fatalf("relayed=%v", relay.contents)
	}
	if _, err := os.Stat(scratch); !os.IsNotExist(err) {
		t.Fatalf("scratch dir left behind: %v", err)
	}
}

type collectingRelay struct {
	mu       sync.Mutex
	contents map[string]string
}

func (r *collectingRelay) SendFile(_ context.Context, _ string, localPath, displayName string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.contents[displayName] = string(data)
	r.mu.Unlock()
	return nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
