package audit

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const maxRecordSize = 64 * 1024 * 1024

// FileSink appends length-delimited records to a local file.
type FileSink struct {
	path string

	mu       sync.Mutex
	file     *os.File
	bw       *bufio.Writer
	lastSync time.Time
}

func OpenFile(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &FileSink{
		path:     path,
		file:     f,
		bw:       bufio.NewWriterSize(f, 64*1024),
		lastSync: time.Now(),
	}, nil
}

func (s *FileSink) Path() string { return s.path }

// Emit appends rec. Denials and failures are synced immediately; everything
// else is flushed at most every 200ms.
func (s *FileSink) Emit(_ context.Context, rec Record) error {
	b, err := Encode(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return os.ErrClosed
	}
	if err := writeDelimited(s.bw, b); err != nil {
		return err
	}
	syncNow := rec.Action == ActionDenied || (rec.Outcome != "" && rec.Outcome != "ok" && rec.Outcome != "delivered")
	if syncNow || time.Since(s.lastSync) > 200*time.Millisecond {
		if err := s.bw.Flush(); err != nil {
			return err
		}
		if err := s.file.Sync(); err != nil {
			return err
		}
		s.lastSync = time.Now()
	}
	return nil
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	flushErr := s.bw.Flush()
	closeErr := s.file.Close()
	s.file = nil
	return errors.Join(flushErr, closeErr)
}

// ReadFile replays every record in path in write order.
func ReadFile(path string, fn func(Record) error) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	r := bufio.NewReader(f)
	for {
		msg, err := readDelimited(r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		rec, err := Decode(msg)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

func readDelimited(r *bufio.Reader) ([]byte, error) {
	l, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if l == 0 {
		return nil, fmt.Errorf("invalid record length 0")
	}
	if l > maxRecordSize {
		return nil, fmt.Errorf("record too large: %d", l)
	}
	buf := make([]byte, l)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeDelimited(w *bufio.Writer, msg []byte) error {
	var hdr [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(hdr[:], uint64(len(msg)))
	if _, err := w.Write(hdr[:n]); err != nil {
		return err
	}
	_, err := w.Write(msg)
	return err
}
