package locate

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/antonkrylov/streamops/internal/remote"
)

type fakeRunner struct {
	result   remote.CommandResult
	err      error
	commands []string
}

func (f *fakeRunner) Execute(_ context.Context, _ remote.Target, command string, _ time.Duration) (remote.CommandResult, error) {
	f.commands = append(f.commands, command)
	return f.result, f.err
}

func newLocator(runner Runner, strategy Strategy) *Locator {
	return &Locator{
		Runner:   runner,
		Pattern:  "*.mp4",
		Regex:    regexp.MustCompile(`\d{8}_\d{6}`),
		Layout:   "20060102_150405",
		Location: time.UTC,
		Strategy: strategy,
	}
}

func at(s string) time.Time {
	ts, err := time.ParseInLocation("2006-01-02 15:04:05", s, time.UTC)
	if err != nil {
		panic(err)
	}
	return ts
}

func names(cs []Candidate) string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Name)
	}
	return strings.Join(out, ",")
}

func TestLocateFiltersByFilenameTimestamp(t *testing.T) {
	runner := &fakeRunner{result: remote.CommandResult{Stdout: strings.Join([]string{
		"1704103300.0000000000\t/home/video/bk1/bk1_20240101_120030.mp4",
		"1704103300.0000000000\t/home/video/bk1/bk1_20240101_120300.mp4",
	}, "\n")}}
	l := newLocator(runner, StrategyFilename)
	got, err := l.Locate(context.Background(), remote.Target{Name: "A"}, "/home/video/bk1", at("2024-01-01 12:00:00"), at("2024-01-01 12:02:00"))
	if err != nil {
		t.Fatalf("locate: %v", err)
	}
	if names(got) != "bk1_20240101_120030.mp4" {
		t.Fatalf("got %q", names(got))
	}
	if got[0].Path != "/home/video/bk1/bk1_20240101_120030.mp4" || got[0].Source != "filename" {
		t.Fatalf("candidate=%+v", got[0])
	}
	if !got[0].Time.Equal(at("2024-01-01 12:00:30")) {
		t.Fatalf("time=%s", got[0].Time)
	}
}

func TestLocateWindowIsInclusive(t *testing.T) {
	runner := &fakeRunner{result: remote.CommandResult{Stdout: strings.Join([]string{
		"0\t/v/a_20240101_115959.mp4",
		"0\t/v/b_20240101_120000.mp4",
		"0\t/v/c_20240101_120200.mp4",
		"0\t/v/d_20240101_120201.mp4",
	}, "\n")}}
	l := newLocator(runner, StrategyFilename)
	got, err := l.Locate(context.Background(), remote.Target{}, "/v", at("2024-01-01 12:00:00"), at("2024-01-01 12:02:00"))
	if err != nil {
		t.Fatal(err)
	}
	if names(got) != "b_20240101_120000.mp4,c_20240101_120200.mp4" {
		t.Fatalf("got %q", names(got))
	}
}

func TestLocateOneMinuteWindowAroundRequest(t *testing.T) {
	runner := &fakeRunner{result: remote.CommandResult{Stdout: strings.Join([]string{
		"0\t/v/bk1_20240101_100500.mp4",
		"0\t/v/bk1_20240101_095940.mp4",
	}, "\n")}}
	l := newLocator(runner, StrategyAuto)
	start, end := Window(at("2024-01-01 10:00:00"), time.Minute)
	got, err := l.Locate(context.Background(), remote.Target{}, "/v", start, end)
	if err != nil {
		t.Fatal(err)
	}
	if names(got) != "bk1_20240101_095940.mp4" {
		t.Fatalf("got %q", names(got))
	}
}

func TestLocateSkipsUnparseableNamesUnderFilenameStrategy(t *testing.T) {
	runner := &fakeRunner{result: remote.CommandResult{Stdout: strings.Join([]string{
		"1704103230\t/v/garbage.mp4",
		"1704103230\t/v/bk1_20241301_120030.mp4",
		"1704103230\t/v/bk1_20240101_120030.mp4",
	}, "\n")}}
	l := newLocator(runner, StrategyFilename)
	got, err := l.Locate(context.Background(), remote.Target{}, "/v", at("2024-01-01 12:00:00"), at("2024-01-01 12:02:00"))
	if err != nil {
		t.Fatal(err)
	}
	if names(got) != "bk1_20240101_120030.mp4" {
		t.Fatalf("got %q", names(got))
	}
}

func TestLocateAutoFallsBackToMtime(t *testing.T) {
	// 1704110430 is 2024-01-01 12:00:30 UTC.
	runner := &fakeRunner{result: remote.CommandResult{Stdout: strings.Join([]string{
		"1704110430.5000000000\t/v/recording.mp4",
		"1704110430\t/v/bk1_20240101_130000.mp4",
	}, "\n")}}
	l := newLocator(runner, StrategyAuto)
	got, err := l.Locate(context.Background(), remote.Target{}, "/v", at("2024-01-01 12:00:00"), at("2024-01-01 12:02:00"))
	if err != nil {
		t.Fatal(err)
	}
	if names(got) != "recording.mp4" {
		t.Fatalf("got %q", names(got))
	}
	if got[0].Source != "mtime" {
		t.Fatalf("source=%q", got[0].Source)
	}
	if want := at("2024-01-01 12:00:30").Add(500 * time.Millisecond); !got[0].Time.Equal(want) {
		t.Fatalf("time=%s want %s", got[0].Time, want)
	}
}

func TestLocateMtimeStrategyIgnoresFilename(t *testing.T) {
	runner := &fakeRunner{result: remote.CommandResult{Stdout: "1704110430\t/v/bk1_20240101_180000.mp4\n/v/no_mtime.mp4\n"}}
	l := newLocator(runner, StrategyMtime)
	got, err := l.Locate(context.Background(), remote.Target{}, "/v", at("2024-01-01 12:00:00"), at("2024-01-01 12:02:00"))
	if err != nil {
		t.Fatal(err)
	}
	if names(got) != "bk1_20240101_180000.mp4" {
		t.Fatalf("got %q", names(got))
	}
}

func TestLocateEmptyIsNotAnError(t *testing.T) {
	l := newLocator(&fakeRunner{}, StrategyAuto)
	got, err := l.Locate(context.Background(), remote.Target{}, "/v", at("2024-01-01 12:00:00"), at("2024-01-01 12:02:00"))
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %v", got)
	}
}

func TestLocateNonZeroExit(t *testing.T) {
	runner := &fakeRunner{result: remote.CommandResult{ExitCode: 1, Stderr: "find: '/v': No such file or directory"}}
	l := newLocator(runner, StrategyAuto)
	_, err := l.Locate(context.Background(), remote.Target{}, "/v", at("2024-01-01 12:00:00"), at("2024-01-01 12:02:00"))
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("err=%v", err)
	}
	if !strings.Contains(err.Error(), "No such file") {
		t.Fatalf("err=%v", err)
	}
}

func TestLocatePropagatesRemoteErrors(t *testing.T) {
	runner := &fakeRunner{err: &remote.Error{Kind: remote.KindTimeout, Op: remote.OpConnect, Target: "A"}}
	l := newLocator(runner, StrategyAuto)
	_, err := l.Locate(context.Background(), remote.Target{Name: "A"}, "/v", time.Time{}, time.Now())
	if !remote.IsKind(err, remote.KindTimeout) {
		t.Fatalf("err=%v", err)
	}
}

func TestListCommandQuotesArguments(t *testing.T) {
	l := newLocator(&fakeRunner{}, StrategyAuto)
	got := l.ListCommand("/home/video/bk'1")
	want := `find '/home/video/bk'"'"'1' -maxdepth 1 -type f -name '*.mp4' -printf '%T@\t%p\n'`
	if got != want {
		t.Fatalf("got  %s\nwant %s", got, want)
	}
}

func TestLocateSortsByTimestamp(t *testing.T) {
	runner := &fakeRunner{result: remote.CommandResult{Stdout: strings.Join([]string{
		"0\t/v/b_20240101_120100.mp4",
		"0\t/v/a_20240101_120000.mp4",
	}, "\n")}}
	l := newLocator(runner, StrategyFilename)
	got, err := l.Locate(context.Background(), remote.Target{}, "/v", at("2024-01-01 11:00:00"), at("2024-01-01 13:00:00"))
	if err != nil {
		t.Fatal(err)
	}
	if names(got) != "a_20240101_120000.mp4,b_20240101_120100.mp4" {
		t.Fatalf("got %q", names(got))
	}
}
