// Package audit records every operator action the dispatcher performs.
//
// Records are encoded as protobuf Struct messages. Payloads above
// compressThreshold are zstd compressed; the first byte of an encoded record
// says which form follows.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Actions recorded by the dispatcher.
const (
	ActionDenied   = "denied"
	ActionRestart  = "restart"
	ActionLocate   = "locate"
	ActionTransfer = "transfer"
)

type Record struct {
	ID       string
	Time     time.Time
	Action   string
	Operator string
	Target   string
	Outcome  string
	Fields   map[string]string
}

// New returns a record with a fresh id stamped at now.
func New(now time.Time, action, operator string) Record {
	return Record{
		ID:       uuid.NewString(),
		Time:     now.UTC(),
		Action:   action,
		Operator: operator,
		Fields:   map[string]string{},
	}
}

// Sink persists records. Emit must not retain rec after returning.
type Sink interface {
	Emit(ctx context.Context, rec Record) error
	Close() error
}

type encoding byte

const (
	encodingRaw  encoding = 0
	encodingZstd encoding = 1
)

const compressThreshold = 4 << 10

var (
	zenc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	zdec, _ = zstd.NewReader(nil)
)

// Encode serialises rec.
func Encode(rec Record) ([]byte, error) {
	fields := make(map[string]any, len(rec.Fields))
	for k, v := range rec.Fields {
		fields[k] = v
	}
	st, err := structpb.NewStruct(map[string]any{
		"id":       rec.ID,
		"time":     rec.Time.UTC().Format(time.RFC3339Nano),
		"action":   rec.Action,
		"operator": rec.Operator,
		"target":   rec.Target,
		"outcome":  rec.Outcome,
		"fields":   fields,
	})
	if err != nil {
		return nil, fmt.Errorf("audit encode: %w", err)
	}
	b, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("audit encode: %w", err)
	}
	if len(b) <= compressThreshold {
		return append([]byte{byte(encodingRaw)}, b...), nil
	}
	return zenc.EncodeAll(b, []byte{byte(encodingZstd)}), nil
}

// Decode is the inverse of Encode.
func Decode(data []byte) (Record, error) {
	if len(data) == 0 {
		return Record{}, errors.New("audit decode: empty record")
	}
	payload := data[1:]
	switch encoding(data[0]) {
	case encodingRaw:
	case encodingZstd:
		raw, err := zdec.DecodeAll(payload, nil)
		if err != nil {
			return Record{}, fmt.Errorf("audit decode: %w", err)
		}
		payload = raw
	default:
		return Record{}, fmt.Errorf("audit decode: unknown encoding %d", data[0])
	}
	st := &structpb.Struct{}
	if err := proto.Unmarshal(payload, st); err != nil {
		return Record{}, fmt.Errorf("audit decode: %w", err)
	}
	m := st.AsMap()
	str := func(key string) string {
		s, _ := m[key].(string)
		return s
	}
	rec := Record{
		ID:       str("id"),
		Action:   str("action"),
		Operator: str("operator"),
		Target:   str("target"),
		Outcome:  str("outcome"),
		Fields:   map[string]string{},
	}
	if ts, err := time.Parse(time.RFC3339Nano, str("time")); err == nil {
		rec.Time = ts
	}
	if fields, ok := m["fields"].(map[string]any); ok {
		for k, v := range fields {
			if s, ok := v.(string); ok {
				rec.Fields[k] = s
			}
		}
	}
	return rec, nil
}
