package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/antonkrylov/streamops/internal/locate"
	"github.com/antonkrylov/streamops/internal/remote"
)

// Outcome is the per-file result of a transfer attempt.
type Outcome int

const (
	Delivered Outcome = iota
	FetchFailed
	RelayFailed
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case FetchFailed:
		return "remote-fetch-failed"
	case RelayFailed:
		return "relay-failed"
	default:
		return "unknown"
	}
}

// Fetcher copies a remote file to a local path that does not exist yet.
type Fetcher interface {
	Fetch(ctx context.Context, target remote.Target, remotePath, localPath string) (int64, error)
}

// Relay delivers a local file to the operator. It is called at most once per
// file and never retried.
type Relay interface {
	SendFile(ctx context.Context, operator, localPath, displayName string) error
}

type Result struct {
	Candidate locate.Candidate
	Outcome   Outcome
	Bytes     int64
	Err       error
}

// Report aggregates a batch. Batches are not atomic: partial delivery is a
// valid outcome.
type Report struct {
	Results []Result
}

// OK reports whether every file was delivered.
func (r Report) OK() bool {
	for _, res := range r.Results {
		if res.Outcome != Delivered {
			return false
		}
	}
	return true
}

func (r Report) Failed() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Outcome != Delivered {
			out = append(out, res)
		}
	}
	return out
}

func (r Report) Delivered() int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == Delivered {
			n++
		}
	}
	return n
}

type Pipeline struct {
	Fetcher    Fetcher
	Relay      Relay
	ScratchDir string
	Logger     *slog.Logger
	// OnResult, when set, is called after each file.
	OnResult func(Result)
}

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger == nil {
		return discardLogger
	}
	return p.Logger
}

// Transfer fetches, relays and deletes each candidate independently. No local
// copy survives the call.
func (p *Pipeline) Transfer(ctx context.Context, operator string, target remote.Target, candidates []locate.Candidate) Report {
	var report Report
	scratch := p.ScratchDir
	if scratch == "" {
		scratch = os.TempDir()
	}
	createdScratch := false
	if _, err := os.Stat(scratch); errors.Is(err, os.ErrNotExist) {
		createdScratch = true
	}
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		for _, c := range candidates {
			res := Result{Candidate: c, Outcome: FetchFailed, Err: fmt.Errorf("scratch dir: %w", err)}
			report.Results = append(report.Results, res)
			p.notify(res)
		}
		return report
	}
	for _, c := range candidates {
		res := p.transferOne(ctx, operator, target, scratch, c)
		report.Results = append(report.Results, res)
		p.notify(res)
	}
	if createdScratch {
		removeIfEmpty(scratch)
	}
	p.logger().Info("transfer finished",
		"operator", operator,
		"target", target.Name,
		"files", len(candidates),
		"delivered", report.Delivered(),
	)
	return report
}

func (p *Pipeline) transferOne(ctx context.Context, operator string, target remote.Target, scratch string, c locate.Candidate) (res Result) {
	res = Result{Candidate: c}
	attemptDir, err := os.MkdirTemp(scratch, "fetch-*")
	if errors.Is(err, os.ErrNotExist) {
		// Another batch removed the shared scratch dir after emptying it.
		if err = os.MkdirAll(scratch, 0o755); err == nil {
			attemptDir, err = os.MkdirTemp(scratch, "fetch-*")
		}
	}
	if err != nil {
		res.Outcome = FetchFailed
		res.Err = fmt.Errorf("scratch dir: %w", err)
		return res
	}
	defer func() {
		if err := os.RemoveAll(attemptDir); err != nil {
			p.logger().Error("remove local copy", "path", attemptDir, "err", err)
			return
		}
		p.logger().Debug("local copy removed", "path", attemptDir)
	}()

	local := filepath.Join(attemptDir, localName(c))
	n, err := p.Fetcher.Fetch(ctx, target, c.Path, local)
	res.Bytes = n
	if err != nil {
		res.Outcome = FetchFailed
		res.Err = err
		p.logger().Error("fetch failed", "operator", operator, "path", c.Path, "err", err)
		return res
	}

	if err := p.relay(ctx, operator, local, c.Name); err != nil {
		res.Outcome = RelayFailed
		res.Err = err
		p.logger().Error("relay failed", "operator", operator, "file", c.Name, "err", err)
		return res
	}
	res.Outcome = Delivered
	p.logger().Info("file delivered", "operator", operator, "file", c.Name, "bytes", n)
	return res
}

func (p *Pipeline) relay(ctx context.Context, operator, local, name string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("relay panic: %v", r)
		}
	}()
	return p.Relay.SendFile(ctx, operator, local, name)
}

func (p *Pipeline) notify(res Result) {
	if p.OnResult != nil {
		p.OnResult(res)
	}
}

func localName(c locate.Candidate) string {
	name := c.Name
	if name == "" {
		name = filepath.Base(filepath.FromSlash(c.Path))
	}
	name = strings.ReplaceAll(name, string(os.PathSeparator), "_")
	if name == "" || name == "." || name == ".." {
		return "file"
	}
	return name
}

func removeIfEmpty(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) > 0 {
		return
	}
	_ = os.Remove(dir)
}
