// Package outbox drains durably queued replies and sends them through
// the WhatsApp adapter. Queuing and sending are decoupled so a reply
// survives a crash or a disconnect between composition and delivery.
package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"wabot/internal/archive"
	"wabot/internal/bus"
)

// TextSender is the transport surface for sending text messages.
type TextSender interface {
	SendText(ctx context.Context, jid string, text string) (serverMsgID string, err error)
}

// Sender polls the outbox table and delivers pending entries in order.
type Sender struct {
	db     *archive.DB
	sender TextSender
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc

	pollInterval time.Duration
}

// NewSender creates a new outbox sender.
func NewSender(db *archive.DB, sender TextSender, b *bus.Bus, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		db:           db,
		sender:       sender,
		bus:          b,
		logger:       logger,
		pollInterval: 500 * time.Millisecond,
	}
}

// Start begins polling the outbox for pending messages. Entries a
// previous run left in 'sending' are requeued first so a crash
// mid-delivery cannot strand them.
func (s *Sender) Start(ctx context.Context) {
	if n, err := s.db.RequeueStuckSending(); err != nil {
		s.logger.Error("failed to requeue stuck outbox entries", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("requeued stuck outbox entries", zap.Int64("count", n))
	}
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the sender loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sender) loop(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) processPending(ctx context.Context) {
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if err := s.db.MarkOutboxSending(entry.ClientMsgID); err != nil {
			s.logger.Error("failed to mark sending", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			continue
		}

		serverMsgID, err := s.sender.SendText(ctx, entry.ChatJID, entry.Body)
		if err != nil {
			s.logger.Error("failed to send message", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			_ = s.db.MarkOutboxFailed(entry.ClientMsgID, err.Error())
			s.publish("outbox.send_failed", map[string]string{
				"client_msg_id": entry.ClientMsgID,
				"error":         err.Error(),
			})
			continue
		}

		if err := s.db.MarkOutboxSent(entry.ClientMsgID, serverMsgID); err != nil {
			s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		}

		// Archive our own reply so it shows up in AI context windows.
		_ = s.db.UpsertMessage(&archive.Message{
			ChatJID:     entry.ChatJID,
			MsgID:       serverMsgID,
			Body:        entry.Body,
			MessageType: "text",
			FromMe:      true,
			Timestamp:   time.Now().UnixMilli(),
		})

		s.logger.Info("message sent",
			zap.String("client_msg_id", entry.ClientMsgID),
			zap.String("server_msg_id", serverMsgID))
		s.publish("outbox.send_ack", map[string]string{
			"client_msg_id": entry.ClientMsgID,
			"server_msg_id": serverMsgID,
		})
	}
}

func (s *Sender) publish(kind string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
