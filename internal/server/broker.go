package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/togi/internal/storage"
)

// Broker fans Postgres LISTEN/NOTIFY messages out to SSE subscribers. It
// runs a background goroutine that calls db.WaitForNotification in a loop
// and forwards each deliberation event to the subscribers watching that
// deliberation.
type Broker struct {
	db     *storage.DB
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan storage.EventNotification]uuid.UUID
}

// NewBroker creates an SSE broker. Call Start to begin listening.
func NewBroker(db *storage.DB, logger *slog.Logger) *Broker {
	return &Broker{
		db:          db,
		logger:      logger,
		subscribers: make(map[chan storage.EventNotification]uuid.UUID),
	}
}

// Start listens on the events channel and dispatches until ctx is
// cancelled. It blocks, so call it in a goroutine.
func (b *Broker) Start(ctx context.Context) {
	if err := b.db.Listen(ctx, storage.ChannelEvents); err != nil {
		b.logger.Error("broker: listen", "channel", storage.ChannelEvents, "error", err)
		return
	}
	b.logger.Info("broker: listening for notifications", "channel", storage.ChannelEvents)

	for {
		_, payload, err := b.db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		var n storage.EventNotification
		if err := json.Unmarshal([]byte(payload), &n); err != nil {
			b.logger.Warn("broker: malformed notification payload", "error", err)
			continue
		}
		b.broadcast(n)
	}
}

// Subscribe registers interest in one deliberation's events. The caller
// must call Unsubscribe when done.
func (b *Broker) Subscribe(deliberationID uuid.UUID) chan storage.EventNotification {
	// Buffered so a slow consumer does not block the dispatch loop.
	ch := make(chan storage.EventNotification, 64)
	b.mu.Lock()
	b.subscribers[ch] = deliberationID
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan storage.EventNotification) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// broadcast delivers a notification to every subscriber watching its
// deliberation. Subscribers with a full buffer miss this event; the SSE
// handler reconciles with the stored log on reconnect.
func (b *Broker) broadcast(n storage.EventNotification) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch, id := range b.subscribers {
		if id != n.DeliberationID {
			continue
		}
		select {
		case ch <- n:
		default:
		}
	}
}

// formatSSE renders one Server-Sent Events message. The id field carries
// the sequence number so clients can resume with Last-Event-ID.
func formatSSE(eventType string, seq int64, data []byte) []byte {
	var buf []byte
	buf = append(buf, "event: "...)
	buf = append(buf, eventType...)
	buf = append(buf, '\n')
	if seq > 0 {
		buf = append(buf, "id: "...)
		buf = strconv.AppendInt(buf, seq, 10)
		buf = append(buf, '\n')
	}
	buf = append(buf, "data: "...)
	buf = append(buf, data...)
	buf = append(buf, "\n\n"...)
	return buf
}
