package ingest

import (
	"context"
	"strings"
	"time"

	"github.com/kalambet/chatvault/internal/storage"
)

// MessageStore persists archived messages.
type MessageStore interface {
	Store(ctx context.Context, m storage.Message) (int64, error)
}

// Notifier is woken after new content arrives.
type Notifier interface {
	Notify()
}

// Ingestor archives incoming messages and nudges the backfill worker.
type Ingestor struct {
	store  MessageStore
	notify Notifier
}

// NewIngestor returns an Ingestor. notify may be nil.
func NewIngestor(store MessageStore, notify Notifier) *Ingestor {
	return &Ingestor{store: store, notify: notify}
}

// Ingest stores m and returns its archive id. A zero timestamp is set to
// now; timestamps are kept in UTC at second precision.
func (i *Ingestor) Ingest(ctx context.Context, m storage.Message) (int64, error) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	m.Timestamp = m.Timestamp.UTC().Truncate(time.Second)
	m.Content = strings.TrimSpace(m.Content)

	id, err := i.store.Store(ctx, m)
	if err != nil {
		return 0, err
	}
	if i.notify != nil && !m.IsMedia {
		i.notify.Notify()
	}
	return id, nil
}
