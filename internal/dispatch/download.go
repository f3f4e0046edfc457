package dispatch

import (
	"bytes"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/antonkrylov/streamops/internal/audit"
	"github.com/antonkrylov/streamops/internal/locate"
	"github.com/antonkrylov/streamops/internal/session"
)

// timeLayouts are tried in order; the first that parses wins. Layouts
// without a date take the current date in the media timezone.
var timeLayouts = []struct {
	layout   string
	timeOnly bool
}{
	{layout: "2006-01-02 15:04:05"},
	{layout: "2006-01-02 15:04"},
	{layout: "15:04:05", timeOnly: true},
	{layout: "15:04", timeOnly: true},
}

var errTimeFormat = errors.New("invalid time format")

// ParseTime parses an operator-supplied time in loc.
func ParseTime(raw string, now time.Time, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, l := range timeLayouts {
		ts, err := time.ParseInLocation(l.layout, raw, loc)
		if err != nil {
			continue
		}
		if l.timeOnly {
			today := now.In(loc)
			ts = time.Date(today.Year(), today.Month(), today.Day(), ts.Hour(), ts.Minute(), ts.Second(), 0, loc)
		}
		return ts, nil
	}
	return time.Time{}, errTimeFormat
}

func (t *turn) beginDownload() {
	t.sess.Fields.Target = t.d.mediaTarget
	t.sess.State = session.ChoosingDownloadTable
	t.promptTable()
}

func (t *turn) onChoosingDownloadTable(in session.Input) {
	table, ok := t.d.parseTable(in)
	if !ok {
		t.rejectTable()
		return
	}
	t.sess.Fields.Table = table
	t.sess.State = session.EnteringTimeWindow
	t.reply(Message{Text: fmt.Sprintf(msgEnterTime, table), RemoveKeyboard: true})
}

func (t *turn) onEnteringTimeWindow(in session.Input) {
	requested, err := ParseTime(in.Raw, t.d.clockFn(), t.d.location)
	if err != nil {
		t.reply(Message{Text: msgInvalidTime})
		return
	}
	start, end := locate.Window(requested, t.d.window)
	t.sess.Fields.Requested = requested
	t.sess.Fields.WindowStart = start
	t.sess.Fields.WindowEnd = end
	t.search()
}

// search lists the table directory. Every outcome other than a non-empty
// result resets the session.
func (t *turn) search() {
	fields := t.sess.Fields
	target, ok := t.d.target(fields.Target)
	if !ok {
		t.sess.Reset()
		t.reply(Message{Text: fmt.Sprintf(msgUnknownTarget, fields.Target), RemoveKeyboard: true})
		return
	}
	dir, err := t.d.mediaDir(fields.Table, target.Name)
	if err != nil {
		t.sess.Reset()
		t.reply(Message{Text: fmt.Sprintf(msgCommandTemplate, err), RemoveKeyboard: true})
		return
	}
	t.reply(Message{Text: msgSearching, RemoveKeyboard: true})

	rec := audit.New(t.d.clockFn(), audit.ActionLocate, t.sess.Operator)
	rec.Target = target.Name
	rec.Fields["dir"] = dir
	rec.Fields["start"] = fields.WindowStart.Format(time.RFC3339)
	rec.Fields["end"] = fields.WindowEnd.Format(time.RFC3339)

	candidates, err := t.d.deps.Locator.Locate(t.ctx, target, dir, fields.WindowStart, fields.WindowEnd)
	if err != nil {
		rec.Outcome = "error"
		rec.Fields["error"] = err.Error()
		t.d.emit(t.ctx, rec)
		t.logger.Error("locate failed", "target", target.Name, "dir", dir, "err", err)
		t.sess.Reset()
		t.reply(Message{Text: fmt.Sprintf(msgRemoteError, target.Name, err)})
		return
	}
	rec.Outcome = "ok"
	rec.Fields["found"] = strconv.Itoa(len(candidates))
	t.d.emit(t.ctx, rec)

	if len(candidates) == 0 {
		t.sess.Reset()
		t.reply(Message{Text: fmt.Sprintf(msgNothingFound, fields.WindowStart.Format(displayLayout), fields.WindowEnd.Format(displayLayout))})
		return
	}
	t.sess.Fields.Candidates = candidates
	if t.d.pick && len(candidates) > 1 {
		t.sess.State = session.ChoosingFileOrConfirm
		t.reply(Message{Text: fmt.Sprintf(msgChooseFile, len(candidates), candidateList(candidates)), Keyboard: t.fileKeyboard()})
		return
	}
	t.selectFiles(candidates)
}

func (t *turn) fileKeyboard() []string {
	keys := make([]string, 0, len(t.sess.Fields.Candidates)+1)
	for _, c := range t.sess.Fields.Candidates {
		keys = append(keys, c.Name)
	}
	return append(keys, t.d.labels.All)
}

func (t *turn) onChoosingFile(in session.Input) {
	candidates := t.sess.Fields.Candidates
	// An exact basename wins over a list number, so a file named "2" is
	// never mistaken for the second entry.
	for i, c := range candidates {
		if c.Name == in.Raw {
			t.selectFiles(candidates[i : i+1])
			return
		}
	}
	switch in.Kind {
	case session.InputAll:
		t.selectFiles(candidates)
		return
	case session.InputNumber:
		if in.Number >= 1 && in.Number <= len(candidates) {
			t.selectFiles(candidates[in.Number-1 : in.Number])
			return
		}
	}
	t.reply(Message{Text: msgInvalidFile, Keyboard: t.fileKeyboard()})
}

func (t *turn) selectFiles(selected []locate.Candidate) {
	t.sess.Fields.Selected = append([]locate.Candidate(nil), selected...)
	t.sess.State = session.ConfirmingTransfer
	t.reply(Message{
		Text:     fmt.Sprintf(msgConfirmTransfer, len(selected), candidateList(selected)),
		Keyboard: t.confirmKeyboard(),
	})
}

func (t *turn) onConfirmingTransfer(in session.Input) {
	switch in.Kind {
	case session.InputYes:
		t.runTransfer()
	case session.InputNo:
		t.sess.Reset()
		t.reply(Message{Text: msgTransferCancelled, RemoveKeyboard: true})
	default:
		t.confirmationMismatch()
	}
}

// runTransfer fetches and relays the selected files, then reports every
// failure and the aggregate. The session resets whatever the outcome.
func (t *turn) runTransfer() {
	fields := t.sess.Fields
	defer t.sess.Reset()

	target, ok := t.d.target(fields.Target)
	if !ok {
		t.reply(Message{Text: fmt.Sprintf(msgUnknownTarget, fields.Target), RemoveKeyboard: true})
		return
	}
	t.reply(Message{Text: fmt.Sprintf(msgTransferring, len(fields.Selected)), RemoveKeyboard: true})

	report := t.d.deps.Transfer.Transfer(t.ctx, t.sess.Operator, target, fields.Selected)
	for _, res := range report.Results {
		rec := audit.New(t.d.clockFn(), audit.ActionTransfer, t.sess.Operator)
		rec.Target = target.Name
		rec.Outcome = res.Outcome.String()
		rec.Fields["path"] = res.Candidate.Path
		rec.Fields["bytes"] = strconv.FormatInt(res.Bytes, 10)
		if res.Err != nil {
			rec.Fields["error"] = res.Err.Error()
			t.reply(Message{Text: fmt.Sprintf(msgFileFailed, res.Candidate.Name, res.Outcome, res.Err)})
		}
		t.d.emit(t.ctx, rec)
	}
	if report.OK() {
		t.reply(Message{Text: fmt.Sprintf(msgTransferDone, report.Delivered())})
		return
	}
	t.reply(Message{Text: fmt.Sprintf(msgTransferPartial, report.Delivered(), len(report.Results))})
}

func (d *Dispatcher) mediaDir(table int, target string) (string, error) {
	var buf bytes.Buffer
	if err := d.tableDir.Execute(&buf, commandData{Table: table, Target: target}); err != nil {
		return "", err
	}
	return path.Join(d.baseDir, strings.TrimSpace(buf.String())), nil
}

const displayLayout = "2006-01-02 15:04:05"

func candidateList(cs []locate.Candidate) string {
	var b strings.Builder
	for i, c := range cs {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%d. %s (%s)", i+1, c.Name, c.Time.Format(displayLayout))
	}
	return b.String()
}
