package session

import (
	"sync"
	"testing"
	"time"

	"github.com/antonkrylov/streamops/internal/config"
)

var testLabels = config.Labels{
	Start: "start", Restart: "重推", Download: "視頻下載",
	Yes: "是", No: "否", Cancel: "cancel", All: "all",
}

func TestDecode(t *testing.T) {
	cases := []struct {
		in     string
		kind   InputKind
		number int
	}{
		{in: "/start", kind: InputStart},
		{in: "/start@streamops_bot", kind: InputStart},
		{in: "START", kind: InputStart},
		{in: "/cancel", kind: InputCancel},
		{in: " cancel ", kind: InputCancel},
		{in: "重推", kind: InputRestart},
		{in: "視頻下載", kind: InputDownload},
		{in: "是", kind: InputYes},
		{in: "否", kind: InputNo},
		{in: "ALL", kind: InputAll},
		{in: "3", kind: InputNumber, number: 3},
		{in: "-1", kind: InputNumber, number: -1},
		{in: "2024-01-01 10:00", kind: InputText},
		{in: "", kind: InputText},
		{in: "/restart", kind: InputText},
	}
	for _, tc := range cases {
		got := Decode(tc.in, testLabels)
		if got.Kind != tc.kind || got.Number != tc.number {
			t.Fatalf("Decode(%q)=%+v want kind %s number %d", tc.in, got, tc.kind, tc.number)
		}
	}
	if got := Decode("  bk1_20240101.mp4 ", testLabels); got.Raw != "bk1_20240101.mp4" {
		t.Fatalf("raw=%q", got.Raw)
	}
}

func TestStoreGetOrCreate(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	st := NewStore(func() time.Time { return now })
	if _, ok := st.Get("1001"); ok {
		t.Fatalf("unexpected session before first event")
	}
	first := st.GetOrCreate("1001")
	first.State = ChoosingTable
	first.Fields.Table = 2
	if again := st.GetOrCreate("1001"); again != first {
		t.Fatalf("GetOrCreate returned a new session")
	}
	if !first.CreatedAt.Equal(now) {
		t.Fatalf("createdAt=%s", first.CreatedAt)
	}
	later := now.Add(time.Hour)
	first.Restart(later)
	if first.State != Initial || first.Fields.Table != 0 || !first.CreatedAt.Equal(later) {
		t.Fatalf("after restart %+v", first)
	}
	if st.Len() != 1 {
		t.Fatalf("len=%d", st.Len())
	}
}

func TestSessionReset(t *testing.T) {
	s := &Session{State: ConfirmingTransfer, Fields: Fields{Target: "A", Table: 3}}
	s.Reset()
	if s.State != Initial || s.Fields.Target != "" || s.Fields.Table != 0 {
		t.Fatalf("session=%+v", s)
	}
}

func TestTryAcquireIsExclusive(t *testing.T) {
	s := &Session{}
	if !s.TryAcquire() {
		t.Fatalf("first acquire failed")
	}
	if s.TryAcquire() {
		t.Fatalf("second acquire succeeded while held")
	}
	s.Release()
	if !s.TryAcquire() {
		t.Fatalf("acquire after release failed")
	}
	s.Release()
}

func TestStoreConcurrentOperators(t *testing.T) {
	st := NewStore(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			op := string(rune('a' + i%10))
			sess := st.GetOrCreate(op)
			if sess.Operator != op {
				t.Errorf("operator=%q want %q", sess.Operator, op)
			}
		}(i)
	}
	wg.Wait()
	if st.Len() != 10 {
		t.Fatalf("len=%d", st.Len())
	}
}

func TestStateConfirming(t *testing.T) {
	for _, s := range []State{Initial, ChoosingAction, ChoosingPushTarget, ChoosingTable, ChoosingDownloadTable, EnteringTimeWindow, ChoosingFileOrConfirm} {
		if s.Confirming() {
			t.Fatalf("%s should not be a confirmation state", s)
		}
	}
	if !ConfirmingRestart.Confirming() || !ConfirmingTransfer.Confirming() {
		t.Fatalf("confirmation states not recognised")
	}
}
