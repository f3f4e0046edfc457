package audit

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func sampleRecord() Record {
	rec := New(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), ActionRestart, "1001")
	rec.Target = "A"
	rec.Outcome = "ok"
	rec.Fields["table"] = "2"
	rec.Fields["command"] = "docker restart streaming_script-ffmpeg_bk02-1"
	return rec
}

func TestEncodeDecodeSmallRecord(t *testing.T) {
	rec := sampleRecord()
	b, err := Encode(rec)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if encoding(b[0]) != encodingRaw {
		t.Fatalf("small record should not be compressed")
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != rec.ID || got.Action != rec.Action || got.Operator != "1001" || got.Target != "A" || got.Outcome != "ok" {
		t.Fatalf("got %+v", got)
	}
	if !got.Time.Equal(rec.Time) {
		t.Fatalf("time=%s", got.Time)
	}
	if got.Fields["table"] != "2" {
		t.Fatalf("fields=%v", got.Fields)
	}
}

func TestEncodeCompressesLargeOutput(t *testing.T) {
	rec := sampleRecord()
	rec.Fields["stderr"] = strings.Repeat("Error: No such container\n", 1000)
	b, err := Encode(rec)
	if err != nil {
		t.Fatal(err)
	}
	if encoding(b[0]) != encodingZstd {
		t.Fatalf("large record should be compressed")
	}
	if len(b) >= len(rec.Fields["stderr"]) {
		t.Fatalf("compressed size %d not smaller", len(b))
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	if got.Fields["stderr"] != rec.Fields["stderr"] {
		t.Fatalf("stderr mismatch")
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode(nil); err == nil {
		t.Fatalf("expected error for empty input")
	}
	if _, err := Decode([]byte{9, 1, 2}); err == nil {
		t.Fatalf("expected error for unknown encoding")
	}
}

func TestNewAssignsUniqueIDs(t *testing.T) {
	a := New(time.Now(), ActionLocate, "1")
	b := New(time.Now(), ActionLocate, "1")
	if a.ID == "" || a.ID == b.ID {
		t.Fatalf("ids %q %q", a.ID, b.ID)
	}
}

func TestFileSinkRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "audit.bin")
	sink, err := OpenFile(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	first := sampleRecord()
	second := New(time.Now(), ActionDenied, "666")
	for _, rec := range []Record{first, second} {
		if err := sink.Emit(context.Background(), rec); err != nil {
			t.Fatalf("emit: %v", err)
		}
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := sink.Emit(context.Background(), first); err == nil {
		t.Fatalf("emit after close should fail")
	}

	var ids []string
	if err := ReadFile(path, func(rec Record) error {
		ids = append(ids, rec.ID)
		return nil
	}); err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(ids) != 2 || ids[0] != first.ID || ids[1] != second.ID {
		t.Fatalf("ids=%v", ids)
	}
}

func TestReadFileMissingIsEmpty(t *testing.T) {
	called := false
	err := ReadFile(filepath.Join(t.TempDir(), "none.bin"), func(Record) error {
		called = true
		return nil
	})
	if err != nil || called {
		t.Fatalf("err=%v called=%v", err, called)
	}
}

type failingSink struct{ emitted int }

func (f *failingSink) Emit(context.Context, Record) error {
	f.emitted++
	return errors.New("down")
}
func (f *failingSink) Close() error { return nil }

func TestMultiAttemptsEverySink(t *testing.T) {
	var buf bytes.Buffer
	logSink := LogSink{Logger: slog.New(slog.NewTextHandler(&buf, nil))}
	bad := &failingSink{}
	m := Multi{bad, logSink}
	if err := m.Emit(context.Background(), sampleRecord()); err == nil {
		t.Fatalf("expected joined error")
	}
	if bad.emitted != 1 {
		t.Fatalf("emitted=%d", bad.emitted)
	}
	out := buf.String()
	if !strings.Contains(out, "action=restart") || !strings.Contains(out, "table=2") {
		t.Fatalf("log output %q", out)
	}
}
