// Package history caches per-conversation message history snapshots
// with a 6h logical TTL. Each conversation gets its own JSON file; a
// shared index supports enumeration and cheap age queries.
package history

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"wabot/internal/snapshot"
)

// Message kinds.
const (
	KindText   = "text"
	KindMedia  = "media"
	KindSystem = "system"
)

// Message is one captured history entry.
type Message struct {
	Timestamp int64  `json:"timestamp"` // epoch-ms
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Kind      string `json:"kind"`
	MessageID string `json:"messageId,omitempty"`
}

// Record is the assembled view of a cached conversation history.
// MessageCount always equals len(Messages); Messages are ordered by
// timestamp ascending as captured.
type Record struct {
	ConversationID string
	DisplayName    string
	Messages       []Message
	CapturedAt     int64 // epoch-ms
	MessageCount   int
	CoveragePeriod string
}

// Fetcher pulls fresh history for a conversation. displayName is the
// best-known conversation name at fetch time.
type Fetcher interface {
	FetchHistory(ctx context.Context, conversationID string) (messages []Message, displayName string, err error)
}

// Cache wraps the snapshot store with fetch-and-cache semantics.
type Cache struct {
	store  *snapshot.Store[Message]
	fetch  Fetcher
	logger *zap.Logger
}

// New creates a history cache over the given snapshot store.
func New(store *snapshot.Store[Message], fetch Fetcher, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{store: store, fetch: fetch, logger: logger}
}

// Get returns the cached record for a conversation, fetching and
// caching fresh history on a miss (absent or expired snapshot).
func (c *Cache) Get(ctx context.Context, conversationID string) (*Record, error) {
	if rec, ok := c.Cached(conversationID); ok {
		return rec, nil
	}
	return c.Refresh(ctx, conversationID)
}

// Cached returns the cached record without fetching. ok is false on
// any miss, including expiry.
func (c *Cache) Cached(conversationID string) (*Record, bool) {
	msgs, ok := c.store.Load(conversationID)
	if !ok {
		return nil, false
	}
	entry := c.store.Entries()[conversationID]
	return c.assemble(conversationID, entry.DisplayName, entry.CapturedAt, msgs), true
}

// Refresh fetches fresh history, replaces the snapshot wholesale, and
// returns the new record.
func (c *Cache) Refresh(ctx context.Context, conversationID string) (*Record, error) {
	msgs, displayName, err := c.fetch.FetchHistory(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("fetch history for %s: %w", conversationID, err)
	}
	if err := c.store.Save(conversationID, displayName, msgs); err != nil {
		// The caller still gets the fetched data; only persistence failed.
		c.logger.Error("history snapshot save failed",
			zap.String("conversation", conversationID), zap.Error(err))
	}
	capturedAt := time.Now().UnixMilli()
	if entry, ok := c.store.Entries()[conversationID]; ok {
		capturedAt = entry.CapturedAt
	}
	c.logger.Info("history cached",
		zap.String("conversation", conversationID), zap.Int("messages", len(msgs)))
	return c.assemble(conversationID, displayName, capturedAt, msgs), nil
}

// Info reports age and message count for a cached conversation.
func (c *Cache) Info(conversationID string) (age time.Duration, count int, ok bool) {
	age, ok = c.store.AgeOf(conversationID)
	if !ok {
		return 0, 0, false
	}
	// Count requires the payload; acceptable for an explicit info query.
	msgs, hit := c.store.LoadStale(conversationID)
	if !hit {
		return 0, 0, false
	}
	return age, len(msgs), true
}

// List enumerates cached conversations from the index without reading
// any snapshot payloads.
func (c *Cache) List() map[string]snapshot.IndexEntry {
	return c.store.Entries()
}

// PurgeExpired removes snapshots older than the TTL.
func (c *Cache) PurgeExpired() int {
	return c.store.PurgeExpired()
}

// TTL returns the configured history TTL.
func (c *Cache) TTL() time.Duration {
	return c.store.TTL()
}

func (c *Cache) assemble(id, displayName string, capturedAt int64, msgs []Message) *Record {
	return &Record{
		ConversationID: id,
		DisplayName:    displayName,
		Messages:       msgs,
		CapturedAt:     capturedAt,
		MessageCount:   len(msgs),
		CoveragePeriod: coveragePeriod(msgs),
	}
}

// coveragePeriod describes the span the captured messages cover.
func coveragePeriod(msgs []Message) string {
	if len(msgs) == 0 {
		return "no messages"
	}
	first := time.UnixMilli(msgs[0].Timestamp)
	last := time.UnixMilli(msgs[len(msgs)-1].Timestamp)
	span := last.Sub(first)
	switch {
	case span < time.Hour:
		return fmt.Sprintf("%d messages over %d minutes", len(msgs), int(span.Minutes()))
	case span < 48*time.Hour:
		return fmt.Sprintf("%d messages over %d hours", len(msgs), int(span.Hours()))
	default:
		return fmt.Sprintf("%d messages over %d days", len(msgs), int(span.Hours()/24))
	}
}
