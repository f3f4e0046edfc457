package dispatch

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/antonkrylov/streamops/internal/audit"
	"github.com/antonkrylov/streamops/internal/session"
)

type commandData struct {
	Table  int
	Target string
}

func (t *turn) beginRestart() {
	if len(t.d.restartTargets) == 1 {
		t.sess.Fields.Target = t.d.restartTargets[0]
		t.sess.State = session.ChoosingTable
		t.promptTable()
		return
	}
	t.sess.State = session.ChoosingPushTarget
	t.reply(Message{Text: msgChooseTarget, Keyboard: t.d.restartTargets})
}

func (t *turn) onChoosingPushTarget(in session.Input) {
	for _, name := range t.d.restartTargets {
		if strings.EqualFold(name, in.Raw) {
			t.sess.Fields.Target = name
			t.sess.State = session.ChoosingTable
			t.promptTable()
			return
		}
	}
	t.reply(Message{Text: msgInvalidChoice + " " + msgChooseTarget, Keyboard: t.d.restartTargets})
}

func (t *turn) onChoosingTable(in session.Input) {
	table, ok := t.d.parseTable(in)
	if !ok {
		t.rejectTable()
		return
	}
	command, err := t.d.restartCommand(table, t.sess.Fields.Target)
	if err != nil {
		t.logger.Error("render restart command", "err", err)
		t.sess.Reset()
		t.reply(Message{Text: fmt.Sprintf(msgCommandTemplate, err), RemoveKeyboard: true})
		return
	}
	t.sess.Fields.Table = table
	t.sess.State = session.ConfirmingRestart
	t.reply(Message{
		Text:     fmt.Sprintf(msgConfirmRestart, table, t.sess.Fields.Target, command),
		Keyboard: t.confirmKeyboard(),
	})
}

func (t *turn) onConfirmingRestart(in session.Input) {
	switch in.Kind {
	case session.InputYes:
		t.runRestart()
	case session.InputNo:
		t.sess.Reset()
		t.reply(Message{Text: msgRestartCancelled, RemoveKeyboard: true})
	default:
		t.confirmationMismatch()
	}
}

// runRestart executes the restart command and resets the session whatever
// the outcome.
func (t *turn) runRestart() {
	fields := t.sess.Fields
	defer t.sess.Reset()

	target, ok := t.d.target(fields.Target)
	if !ok {
		t.reply(Message{Text: fmt.Sprintf(msgUnknownTarget, fields.Target), RemoveKeyboard: true})
		return
	}
	command, err := t.d.restartCommand(fields.Table, target.Name)
	if err != nil {
		t.reply(Message{Text: fmt.Sprintf(msgCommandTemplate, err), RemoveKeyboard: true})
		return
	}
	t.reply(Message{Text: fmt.Sprintf(msgRunning, command, target.Name), RemoveKeyboard: true})

	rec := audit.New(t.d.clockFn(), audit.ActionRestart, t.sess.Operator)
	rec.Target = target.Name
	rec.Fields["table"] = strconv.Itoa(fields.Table)
	rec.Fields["command"] = command

	res, err := t.d.deps.Executor.Execute(t.ctx, target, command, t.d.commandTimeout)
	switch {
	case err != nil:
		rec.Outcome = "error"
		rec.Fields["error"] = err.Error()
		t.logger.Error("restart failed", "target", target.Name, "table", fields.Table, "err", err)
		t.reply(Message{Text: fmt.Sprintf(msgRemoteError, target.Name, err)})
	case !res.Succeeded():
		rec.Outcome = "failed"
		rec.Fields["exit_code"] = strconv.Itoa(res.ExitCode)
		rec.Fields["stderr"] = res.Stderr
		rec.Fields["stdout"] = res.Stdout
		t.logger.Warn("restart exited non-zero", "target", target.Name, "table", fields.Table, "exit_code", res.ExitCode)
		t.reply(Message{Text: commandFailureText(res.ExitCode, res.Stdout, res.Stderr)})
	default:
		rec.Outcome = "ok"
		rec.Fields["stdout"] = res.Stdout
		rec.Fields["duration"] = res.Duration.String()
		t.logger.Info("restart succeeded", "target", target.Name, "table", fields.Table, "duration", res.Duration)
		t.reply(Message{Text: commandSuccessText(res.Stdout)})
	}
	t.d.emit(t.ctx, rec)
}

func (d *Dispatcher) restartCommand(table int, target string) (string, error) {
	var buf bytes.Buffer
	if err := d.restartCmd.Execute(&buf, commandData{Table: table, Target: target}); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

func commandSuccessText(stdout string) string {
	if stdout == "" {
		return msgRestartOK
	}
	return msgRestartOK + "\n" + fmt.Sprintf(msgOutput, stdout)
}

func commandFailureText(code int, stdout, stderr string) string {
	var b strings.Builder
	fmt.Fprintf(&b, msgRestartFailed, code)
	if stderr != "" {
		b.WriteString("\n")
		fmt.Fprintf(&b, msgErrorOutput, stderr)
	}
	if stdout != "" {
		b.WriteString("\n")
		fmt.Fprintf(&b, msgOutput, stdout)
	}
	return b.String()
}
