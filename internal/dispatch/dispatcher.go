// Package dispatch drives operator conversations: it admits events through
// the authorization gate, advances the operator's session and runs the
// restart and download side effects from the two confirmation states.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/antonkrylov/streamops/internal/audit"
	"github.com/antonkrylov/streamops/internal/auth"
	"github.com/antonkrylov/streamops/internal/config"
	"github.com/antonkrylov/streamops/internal/locate"
	"github.com/antonkrylov/streamops/internal/remote"
	"github.com/antonkrylov/streamops/internal/session"
	"github.com/antonkrylov/streamops/internal/transfer"
)

// Event is one inbound payload, text or button token, from an operator.
type Event struct {
	Operator string
	Payload  string
}

// Message is one outbound reply. Keyboard, when set, is offered as one-time
// reply buttons.
type Message struct {
	Text           string
	Keyboard       []string
	RemoveKeyboard bool
}

type Replier interface {
	Reply(ctx context.Context, operator string, msg Message) error
}

type Executor interface {
	Execute(ctx context.Context, target remote.Target, command string, timeout time.Duration) (remote.CommandResult, error)
}

type Locator interface {
	Locate(ctx context.Context, target remote.Target, dir string, start, end time.Time) ([]locate.Candidate, error)
}

type Transferrer interface {
	Transfer(ctx context.Context, operator string, target remote.Target, candidates []locate.Candidate) transfer.Report
}

// Deps are the collaborators a Dispatcher drives.
type Deps struct {
	Gate     *auth.Gate
	Store    *session.Store
	Executor Executor
	Locator  Locator
	Transfer Transferrer
	Audit    audit.Sink
	Replier  Replier
}

type Dispatcher struct {
	deps    Deps
	logger  *slog.Logger
	clockFn func() time.Time

	labels         config.Labels
	targets        map[string]remote.Target
	restartTargets []string
	mediaTarget    string
	tables         int
	restartCmd     *template.Template
	tableDir       *template.Template
	baseDir        string
	window         time.Duration
	pick           bool
	location       *time.Location
	commandTimeout time.Duration
}

// New validates cfg-derived settings and wires the dispatcher.
func New(cfg *config.Config, deps Deps, logger *slog.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if deps.Gate == nil || deps.Replier == nil {
		return nil, errors.New("dispatch: gate and replier are required")
	}
	if deps.Executor == nil || deps.Locator == nil || deps.Transfer == nil {
		return nil, errors.New("dispatch: executor, locator and transfer are required")
	}
	if deps.Store == nil {
		deps.Store = session.NewStore(nil)
	}
	if deps.Audit == nil {
		deps.Audit = audit.Discard{}
	}
	restartCmd, err := template.New("restart").Option("missingkey=error").Parse(cfg.Restart.Command)
	if err != nil {
		return nil, fmt.Errorf("restart.command: %w", err)
	}
	tableDir, err := template.New("tableDir").Option("missingkey=error").Parse(cfg.Media.TableDir)
	if err != nil {
		return nil, fmt.Errorf("media.tableDir: %w", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("media.timezone: %w", err)
	}
	d := &Dispatcher{
		deps:           deps,
		logger:         logger,
		clockFn:        time.Now,
		labels:         cfg.Labels,
		targets:        make(map[string]remote.Target, len(cfg.Targets)),
		mediaTarget:    cfg.Media.Target,
		tables:         cfg.Restart.Tables,
		restartCmd:     restartCmd,
		tableDir:       tableDir,
		baseDir:        cfg.Media.BaseDir,
		window:         cfg.Media.Window,
		pick:           cfg.Media.Selection == config.SelectionPick,
		location:       loc,
		commandTimeout: cfg.Timeouts.Command,
	}
	for _, t := range cfg.Targets {
		d.targets[strings.ToLower(t.Name)] = RemoteTarget(t)
	}
	for _, name := range cfg.Restart.Targets {
		t, err := cfg.Target(name)
		if err != nil {
			return nil, fmt.Errorf("restart.targets: %w", err)
		}
		d.restartTargets = append(d.restartTargets, t.Name)
	}
	if _, ok := d.target(d.mediaTarget); !ok {
		return nil, fmt.Errorf("media.target: %w: %s", config.ErrTargetNotFound, d.mediaTarget)
	}
	return d, nil
}

// RemoteTarget converts a catalog entry into executor coordinates.
func RemoteTarget(t config.Target) remote.Target {
	return remote.Target{
		Name:     t.Name,
		Addr:     t.Host,
		User:     t.User,
		Password: t.ResolvedPassword(),
		HostKey:  t.HostKey,
	}
}

func (d *Dispatcher) target(name string) (remote.Target, bool) {
	t, ok := d.targets[strings.ToLower(strings.TrimSpace(name))]
	return t, ok
}

// Sessions exposes the session store for read-only inspection.
func (d *Dispatcher) Sessions() *session.Store { return d.deps.Store }

// Handle processes one event to completion, including any side effect it
// triggers. Every admitted event ends with at least one reply; the returned
// error only reports replies that could not be delivered.
func (d *Dispatcher) Handle(ctx context.Context, ev Event) (err error) {
	logger := d.logger.With("operator", ev.Operator)
	if !d.deps.Gate.Allowed(ev.Operator) {
		logger.Warn("unauthorized operator")
		rec := audit.New(d.clockFn(), audit.ActionDenied, ev.Operator)
		rec.Outcome = "denied"
		d.emit(ctx, rec)
		return d.deps.Replier.Reply(ctx, ev.Operator, Message{Text: msgDenied, RemoveKeyboard: true})
	}

	sess := d.deps.Store.GetOrCreate(ev.Operator)
	if !sess.TryAcquire() {
		logger.Info("event while busy")
		return d.deps.Replier.Reply(ctx, ev.Operator, Message{Text: msgBusy})
	}
	defer sess.Release()

	turn := &turn{d: d, ctx: ctx, sess: sess, logger: logger}
	in := session.Decode(ev.Payload, d.labels)
	from := sess.State
	defer func() {
		if r := recover(); r != nil {
			logger.Error("event handler panic", "state", from.String(), "panic", r)
			sess.Reset()
			turn.reply(Message{Text: msgInternalError, RemoveKeyboard: true})
			err = errors.Join(turn.errs...)
		}
	}()
	turn.step(in)
	logger.Debug("event handled", "input", in.Kind.String(), "from", from.String(), "to", sess.State.String())
	return errors.Join(turn.errs...)
}

func (d *Dispatcher) emit(ctx context.Context, rec audit.Record) {
	if err := d.deps.Audit.Emit(ctx, rec); err != nil {
		d.logger.Error("audit emit", "action", rec.Action, "id", rec.ID, "err", err)
	}
}

// turn is the handling of a single event for a session the caller holds.
type turn struct {
	d      *Dispatcher
	ctx    context.Context
	sess   *session.Session
	logger *slog.Logger
	errs   []error
}

func (t *turn) reply(msg Message) {
	if err := t.d.deps.Replier.Reply(t.ctx, t.sess.Operator, msg); err != nil {
		t.logger.Error("reply failed", "err", err)
		t.errs = append(t.errs, err)
	}
}

func (t *turn) step(in session.Input) {
	sess := t.sess
	switch in.Kind {
	case session.InputStart:
		sess.Restart(t.d.clockFn())
		t.showActions()
		return
	case session.InputCancel:
		if sess.State != session.Initial {
			sess.Reset()
			t.reply(Message{Text: msgCancelled, RemoveKeyboard: true})
			return
		}
	}

	switch sess.State {
	case session.Initial:
		t.onInitial(in)
	case session.ChoosingAction:
		t.onChoosingAction(in)
	case session.ChoosingPushTarget:
		t.onChoosingPushTarget(in)
	case session.ChoosingTable:
		t.onChoosingTable(in)
	case session.ConfirmingRestart:
		t.onConfirmingRestart(in)
	case session.ChoosingDownloadTable:
		t.onChoosingDownloadTable(in)
	case session.EnteringTimeWindow:
		t.onEnteringTimeWindow(in)
	case session.ChoosingFileOrConfirm:
		t.onChoosingFile(in)
	case session.ConfirmingTransfer:
		t.onConfirmingTransfer(in)
	default:
		t.logger.Error("session in unknown state", "state", int(sess.State))
		sess.Reset()
		t.reply(Message{Text: msgStartOver, RemoveKeyboard: true})
	}
}

func (t *turn) onInitial(in session.Input) {
	switch in.Kind {
	case session.InputRestart:
		t.beginRestart()
	case session.InputDownload:
		t.beginDownload()
	default:
		t.reply(Message{Text: fmt.Sprintf(msgIdle, t.d.labels.Start), Keyboard: []string{t.d.labels.Start}})
	}
}

func (t *turn) showActions() {
	t.sess.State = session.ChoosingAction
	t.reply(Message{Text: msgChooseAction, Keyboard: []string{t.d.labels.Restart, t.d.labels.Download}})
}

func (t *turn) onChoosingAction(in session.Input) {
	switch in.Kind {
	case session.InputRestart:
		t.beginRestart()
	case session.InputDownload:
		t.beginDownload()
	default:
		t.reply(Message{Text: msgInvalidChoice + " " + msgChooseAction, Keyboard: []string{t.d.labels.Restart, t.d.labels.Download}})
	}
}

// parseTable accepts an integer in [1, tables].
func (d *Dispatcher) parseTable(in session.Input) (int, bool) {
	if in.Kind != session.InputNumber || in.Number < 1 || in.Number > d.tables {
		return 0, false
	}
	return in.Number, true
}

func (d *Dispatcher) tableKeyboard() []string {
	keys := make([]string, 0, d.tables)
	for i := 1; i <= d.tables; i++ {
		keys = append(keys, strconv.Itoa(i))
	}
	return keys
}

func (t *turn) promptTable() {
	t.reply(Message{Text: fmt.Sprintf(msgChooseTable, t.d.tables), Keyboard: t.d.tableKeyboard()})
}

func (t *turn) rejectTable() {
	t.reply(Message{Text: fmt.Sprintf(msgInvalidTable, t.d.tables), Keyboard: t.d.tableKeyboard()})
}

func (t *turn) confirmKeyboard() []string {
	return []string{t.d.labels.Yes, t.d.labels.No}
}

// confirmationMismatch ends a confirmation state on an unrecognised answer.
func (t *turn) confirmationMismatch() {
	t.logger.Info("unrecognised confirmation answer, resetting", "state", t.sess.State.String())
	t.sess.Reset()
	t.reply(Message{Text: msgStartOver, RemoveKeyboard: true})
}
