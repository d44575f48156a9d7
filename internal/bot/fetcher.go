package bot

import (
	"context"
	"fmt"
	"strings"

	"wabot/internal/archive"
	"wabot/internal/directory"
	"wabot/internal/history"
)

// historyWindow caps how many archived messages one snapshot holds.
const historyWindow = 200

// NameLookup is the directory read surface the history source needs.
type NameLookup interface {
	Get(identifier string) (directory.Record, bool)
}

// HistorySource assembles history snapshots from the local archive. The
// archive is fed continuously by the event stream, so "fetching" history
// is a local read rather than a server round trip.
type HistorySource struct {
	db    *archive.DB
	names NameLookup
}

// NewHistorySource creates an archive-backed history fetcher.
func NewHistorySource(db *archive.DB, names NameLookup) *HistorySource {
	return &HistorySource{db: db, names: names}
}

// FetchHistory implements history.Fetcher.
func (s *HistorySource) FetchHistory(ctx context.Context, conversationID string) ([]history.Message, string, error) {
	rows, err := s.db.RecentMessages(conversationID, historyWindow)
	if err != nil {
		return nil, "", fmt.Errorf("read archive for %s: %w", conversationID, err)
	}

	msgs := make([]history.Message, 0, len(rows))
	for _, row := range rows {
		msgs = append(msgs, history.Message{
			Timestamp: row.Timestamp,
			Sender:    senderLabel(row, s.names),
			Content:   contentOf(row),
			Kind:      kindOf(row.MessageType),
			MessageID: row.MsgID,
		})
	}
	return msgs, s.displayName(conversationID), nil
}

func (s *HistorySource) displayName(conversationID string) string {
	if s.names != nil {
		if rec, ok := s.names.Get(conversationID); ok && rec.HasName() {
			return rec.BestName()
		}
	}
	if chat, err := s.db.GetChat(conversationID); err == nil && chat != nil && chat.Name != "" {
		return chat.Name
	}
	return directory.DerivedName(conversationID)
}

func senderLabel(row archive.Message, names NameLookup) string {
	if row.FromMe {
		return "me"
	}
	if row.SenderName != "" {
		return row.SenderName
	}
	if names != nil {
		if rec, ok := names.Get(row.SenderJID); ok && rec.HasName() {
			return rec.BestName()
		}
	}
	return directory.DerivedName(row.SenderJID)
}

func contentOf(row archive.Message) string {
	if row.Body != "" {
		return row.Body
	}
	return "[" + row.MessageType + "]"
}

func kindOf(messageType string) string {
	switch messageType {
	case "text":
		return history.KindText
	case "image", "video", "audio", "document", "sticker":
		return history.KindMedia
	default:
		return history.KindSystem
	}
}

// isGroupJID reports whether a JID addresses a group chat.
func isGroupJID(jid string) bool {
	return strings.HasSuffix(jid, "@g.us")
}
