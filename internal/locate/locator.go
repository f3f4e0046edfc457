// Package locate finds recordings on a remote host whose timestamp falls
// inside a requested window.
//
// The timestamp of record is embedded in the file name. Modification times
// reported by the remote filesystem are only used as a fallback, since they
// drift with clock skew and copies.
package locate

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/antonkrylov/streamops/internal/remote"
)

// Strategy selects where a candidate's timestamp comes from.
type Strategy string

const (
	StrategyFilename Strategy = "filename"
	StrategyMtime    Strategy = "mtime"
	StrategyAuto     Strategy = "auto"
)

// Candidate is a remote file inside the requested window.
type Candidate struct {
	Path string
	Name string
	Time time.Time
	// Source is "filename" or "mtime".
	Source string
}

// Runner is the subset of remote.Executor the locator needs.
type Runner interface {
	Execute(ctx context.Context, target remote.Target, command string, timeout time.Duration) (remote.CommandResult, error)
}

// CommandError reports a listing command that ran but exited non-zero.
type CommandError struct {
	Result remote.CommandResult
}

func (e *CommandError) Error() string {
	if e.Result.Stderr != "" {
		return fmt.Sprintf("listing exited %d: %s", e.Result.ExitCode, e.Result.Stderr)
	}
	return fmt.Sprintf("listing exited %d", e.Result.ExitCode)
}

type Locator struct {
	Runner   Runner
	Pattern  string
	Regex    *regexp.Regexp
	Layout   string
	Location *time.Location
	Strategy Strategy
	Timeout  time.Duration
	Logger   *slog.Logger
}

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// Window returns [t-halfWidth, t+halfWidth].
func Window(t time.Time, halfWidth time.Duration) (start, end time.Time) {
	return t.Add(-halfWidth), t.Add(halfWidth)
}

// ListCommand builds the single remote listing command for dir.
func (l *Locator) ListCommand(dir string) string {
	pattern := l.Pattern
	if pattern == "" {
		pattern = "*"
	}
	return fmt.Sprintf(`find %s -maxdepth 1 -type f -name %s -printf '%%T@\t%%p\n'`, remote.Quote(dir), remote.Quote(pattern))
}

// Locate lists dir on target and returns the files whose timestamp t
// satisfies start <= t <= end, oldest first. An empty result is not an error.
func (l *Locator) Locate(ctx context.Context, target remote.Target, dir string, start, end time.Time) ([]Candidate, error) {
	logger := l.Logger
	if logger == nil {
		logger = discardLogger
	}
	res, err := l.Runner.Execute(ctx, target, l.ListCommand(dir), l.Timeout)
	if err != nil {
		return nil, err
	}
	if !res.Succeeded() {
		return nil, &CommandError{Result: res}
	}

	var out []Candidate
	for _, e := range parseListing(res.Stdout) {
		c, ok := l.resolve(e)
		if !ok {
			logger.Warn("skipping file without usable timestamp", "path", e.path, "strategy", string(l.strategy()))
			continue
		}
		if c.Time.Before(start) || c.Time.After(end) {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Time.Equal(out[j].Time) {
			return out[i].Name < out[j].Name
		}
		return out[i].Time.Before(out[j].Time)
	})
	logger.Info("located files", "target", target.Name, "dir", dir, "start", start, "end", end, "found", len(out))
	return out, nil
}

func (l *Locator) strategy() Strategy {
	if l.Strategy == "" {
		return StrategyFilename
	}
	return l.Strategy
}

func (l *Locator) resolve(e entry) (Candidate, bool) {
	c := Candidate{Path: e.path, Name: path.Base(e.path)}
	strategy := l.strategy()
	if strategy == StrategyFilename || strategy == StrategyAuto {
		if ts, ok := l.ParseName(c.Name); ok {
			c.Time = ts
			c.Source = string(StrategyFilename)
			return c, true
		}
		if strategy == StrategyFilename {
			return c, false
		}
	}
	if !e.hasMtime {
		return c, false
	}
	c.Time = e.mtime.In(l.location())
	c.Source = string(StrategyMtime)
	return c, true
}

// ParseName extracts the embedded timestamp from a file name.
func (l *Locator) ParseName(name string) (time.Time, bool) {
	if l.Regex == nil || l.Layout == "" {
		return time.Time{}, false
	}
	match := l.Regex.FindString(name)
	if match == "" {
		return time.Time{}, false
	}
	ts, err := time.ParseInLocation(l.Layout, match, l.location())
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func (l *Locator) location() *time.Location {
	if l.Location == nil {
		return time.Local
	}
	return l.Location
}

type entry struct {
	path     string
	mtime    time.Time
	hasMtime bool
}

// parseListing reads "<epoch>\t<path>" lines. Lines without a tab are
// treated as bare paths.
func parseListing(out string) []entry {
	var entries []entry
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		stamp, p, found := strings.Cut(line, "\t")
		if !found {
			entries = append(entries, entry{path: strings.TrimSpace(line)})
			continue
		}
		e := entry{path: p}
		if ts, ok := parseEpoch(stamp); ok {
			e.mtime = ts
			e.hasMtime = true
		}
		entries = append(entries, e)
	}
	return entries
}

func parseEpoch(s string) (time.Time, bool) {
	secPart, fracPart, _ := strings.Cut(strings.TrimSpace(s), ".")
	sec, err := strconv.ParseInt(secPart, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	var nsec int64
	if fracPart != "" {
		if len(fracPart) > 9 {
			fracPart = fracPart[:9]
		}
		fracPart += strings.Repeat("0", 9-len(fracPart))
		nsec, err = strconv.ParseInt(fracPart, 10, 64)
		if err != nil {
			return time.Time{}, false
		}
	}
	return time.Unix(sec, nsec), true
}
