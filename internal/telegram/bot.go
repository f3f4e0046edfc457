// Package telegram connects the dispatcher to a Telegram bot over long
// polling.
package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/antonkrylov/streamops/internal/dispatch"
)

const (
	keyboardRowWidth = 4
	// maxQueued bounds the events waiting behind one operator's running
	// event. Further events are dropped until the queue drains.
	maxQueued = 32
)

// Sender is the part of *tgbotapi.BotAPI the adapter uses.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type Handler interface {
	Handle(ctx context.Context, ev dispatch.Event) error
}

// Bot replies to operators and relays files. Operators are identified by
// their Telegram user id; replies go to the chat the operator last wrote
// from while that operator has events in flight, and to the private chat
// otherwise.
type Bot struct {
	api    Sender
	logger *slog.Logger

	mu     sync.Mutex
	queues map[string]*operatorQueue
}

// operatorQueue holds the events of one operator that are waiting or being
// handled. It exists only while its worker runs.
type operatorQueue struct {
	chatID  int64
	pending []dispatch.Event
}

func New(api Sender, logger *slog.Logger) *Bot {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Bot{api: api, logger: logger, queues: make(map[string]*operatorQueue)}
}

// Connect authenticates token against the Bot API.
func Connect(token string, debug bool) (*tgbotapi.BotAPI, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram: bot token is empty")
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	api.Debug = debug
	return api, nil
}

func (b *Bot) chatFor(operator string) (int64, error) {
	b.mu.Lock()
	q, ok := b.queues[operator]
	b.mu.Unlock()
	if ok {
		return q.chatID, nil
	}
	// Private chats share the user's id.
	id, err := strconv.ParseInt(operator, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram: no chat known for operator %q", operator)
	}
	return id, nil
}

func (b *Bot) Reply(_ context.Context, operator string, msg dispatch.Message) error {
	chatID, err := b.chatFor(operator)
	if err != nil {
		return err
	}
	out := tgbotapi.NewMessage(chatID, msg.Text)
	switch {
	case len(msg.Keyboard) > 0:
		out.ReplyMarkup = keyboard(msg.Keyboard)
	case msg.RemoveKeyboard:
		out.ReplyMarkup = tgbotapi.NewRemoveKeyboard(false)
	}
	if _, err := b.api.Send(out); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// SendFile uploads localPath as a document named displayName.
func (b *Bot) SendFile(_ context.Context, operator, localPath, displayName string) error {
	chatID, err := b.chatFor(operator)
	if err != nil {
		return err
	}
	if _, err := os.Stat(localPath); err != nil {
		return fmt.Errorf("telegram upload: %w", err)
	}
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FilePath(localPath))
	doc.Caption = displayName
	if _, err := b.api.Send(doc); err != nil {
		return fmt.Errorf("telegram upload %s: %w", displayName, err)
	}
	b.logger.Debug("document sent", "operator", operator, "file", displayName)
	return nil
}

func keyboard(labels []string) tgbotapi.ReplyKeyboardMarkup {
	var rows [][]tgbotapi.KeyboardButton
	var row []tgbotapi.KeyboardButton
	for _, label := range labels {
		row = append(row, tgbotapi.NewKeyboardButton(label))
		if len(row) == keyboardRowWidth {
			rows = append(rows, tgbotapi.NewKeyboardButtonRow(row...))
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, tgbotapi.NewKeyboardButtonRow(row...))
	}
	markup := tgbotapi.NewOneTimeReplyKeyboard(rows...)
	markup.ResizeKeyboard = true
	return markup
}

// eventFrom extracts an event from a text message update.
func eventFrom(u tgbotapi.Update) (dispatch.Event, int64, bool) {
	m := u.Message
	if m == nil || m.From == nil || m.Chat == nil || m.Text == "" {
		return dispatch.Event{}, 0, false
	}
	return dispatch.Event{
		Operator: strconv.FormatInt(m.From.ID, 10),
		Payload:  m.Text,
	}, m.Chat.ID, true
}

// Serve feeds updates to h until ctx is done or updates is closed. Events
// for one operator are handled in arrival order; different operators are
// handled concurrently and never wait on each other. Serve returns once
// every running handler has finished.
func (b *Bot) Serve(ctx context.Context, updates tgbotapi.UpdatesChannel, h Handler) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			ev, chatID, ok := eventFrom(u)
			if !ok {
				continue
			}
			if b.enqueue(ev, chatID) {
				wg.Add(1)
				go b.worker(ctx, ev.Operator, h, &wg)
			}
		}
	}
}

// enqueue appends ev to the operator's queue and reports whether a worker
// has to be started for it.
func (b *Bot) enqueue(ev dispatch.Event, chatID int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, running := b.queues[ev.Operator]
	if !running {
		b.queues[ev.Operator] = &operatorQueue{chatID: chatID, pending: []dispatch.Event{ev}}
		return true
	}
	if len(q.pending) >= maxQueued {
		b.logger.Warn("operator queue full, dropping update", "operator", ev.Operator)
		return false
	}
	q.chatID = chatID
	q.pending = append(q.pending, ev)
	return false
}

// next returns the operator's next event, or removes the queue and reports
// false when there is nothing left to do.
func (b *Bot) next(ctx context.Context, operator string) (dispatch.Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[operator]
	if len(q.pending) == 0 || ctx.Err() != nil {
		delete(b.queues, operator)
		return dispatch.Event{}, false
	}
	ev := q.pending[0]
	q.pending = q.pending[1:]
	return ev, true
}

func (b *Bot) worker(ctx context.Context, operator string, h Handler, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		ev, ok := b.next(ctx, operator)
		if !ok {
			return
		}
		if err := h.Handle(ctx, ev); err != nil {
			b.logger.Error("handle update", "operator", ev.Operator, "err", err)
		}
	}
}

// queued reports how many operators currently have a queue.
func (b *Bot) queued() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues)
}
