package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/antonkrylov/streamops/internal/dispatch"
	"github.com/antonkrylov/streamops/internal/transfer"
)

var errOperatorInFlight = errors.New("operator already has a request in flight")

// Gateway routes dispatcher output produced while handling an HTTP event
// into that request, and everything else to the fallback transport. Routing
// follows the context the event was handled with, so output of events from
// other transports never lands in an HTTP response.
type Gateway struct {
	OutboxDir     string
	Fallback      dispatch.Replier
	FallbackRelay transfer.Relay

	mu      sync.Mutex
	pending map[string]*collector
}

type collector struct {
	messages []dispatch.Message
	files    []string
}

func NewGateway(outboxDir string, fallback dispatch.Replier, fallbackRelay transfer.Relay) *Gateway {
	return &Gateway{
		OutboxDir:     outboxDir,
		Fallback:      fallback,
		FallbackRelay: fallbackRelay,
		pending:       make(map[string]*collector),
	}
}

func (g *Gateway) open(operator string) (*collector, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.pending[operator]; busy {
		return nil, errOperatorInFlight
	}
	c := &collector{}
	g.pending[operator] = c
	return c, nil
}

func (g *Gateway) close(operator string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.pending, operator)
}

type collectorKey struct{}

// withCollector marks ctx as the handling of an HTTP event whose output
// goes to c.
func withCollector(ctx context.Context, c *collector) context.Context {
	return context.WithValue(ctx, collectorKey{}, c)
}

func collectorFrom(ctx context.Context) *collector {
	c, _ := ctx.Value(collectorKey{}).(*collector)
	return c
}

func (g *Gateway) Reply(ctx context.Context, operator string, msg dispatch.Message) error {
	if c := collectorFrom(ctx); c != nil {
		g.mu.Lock()
		c.messages = append(c.messages, msg)
		g.mu.Unlock()
		return nil
	}
	if g.Fallback == nil {
		return fmt.Errorf("no transport for operator %s", operator)
	}
	return g.Fallback.Reply(ctx, operator, msg)
}

// SendFile copies the file into the outbox when the operator is on HTTP.
func (g *Gateway) SendFile(ctx context.Context, operator, localPath, displayName string) error {
	c := collectorFrom(ctx)
	if c == nil {
		if g.FallbackRelay == nil {
			return fmt.Errorf("no relay for operator %s", operator)
		}
		return g.FallbackRelay.SendFile(ctx, operator, localPath, displayName)
	}
	name := uuid.NewString()[:8] + "-" + filepath.Base(displayName)
	if err := copyFile(localPath, filepath.Join(g.OutboxDir, name)); err != nil {
		return fmt.Errorf("outbox: %w", err)
	}
	g.mu.Lock()
	c.files = append(c.files, name)
	g.mu.Unlock()
	return nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	return out.Close()
}
