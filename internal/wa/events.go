package wa

import (
	"context"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"

	"wabot/internal/archive"
	"wabot/internal/bus"
	"wabot/internal/directory"
	"wabot/internal/status"
)

// Incoming is the bus payload for a live message. Audio is set only for
// voice notes so the bot can download and transcribe them.
type Incoming struct {
	Message *archive.Message
	Audio   *waE2E.AudioMessage
}

// Transport is the slice of the adapter the event handler needs: LID
// resolution for incoming JIDs and the account's own identity.
type Transport interface {
	ResolveLID(ctx context.Context, jid types.JID) types.JID
	SelfJID() string
}

// EventHandler processes whatsmeow events, drives the state machine,
// and publishes parsed domain events on the bus. Consumers (archiver,
// directory feeder, bot pipeline) subscribe to the bus independently.
type EventHandler struct {
	bus       *bus.Bus
	machine   *status.Machine
	transport Transport
	logger    *zap.Logger
}

// NewEventHandler creates a new event handler. transport may be nil in
// tests; LID resolution then degrades to plain JID normalization and
// self-leave detection is disabled.
func NewEventHandler(b *bus.Bus, machine *status.Machine, transport Transport, logger *zap.Logger) *EventHandler {
	return &EventHandler{
		bus:       b,
		machine:   machine,
		transport: transport,
		logger:    logger,
	}
}

// Handle is the main whatsmeow event handler function.
func (h *EventHandler) Handle(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		h.handleMessage(evt)
	case *events.Connected:
		h.logger.Info("WhatsApp connected")
		current := h.machine.Current()
		if current == status.AuthRequired || current == status.Reconnecting {
			_ = h.machine.Transition(status.Connecting)
		}
		_ = h.machine.Transition(status.Syncing)
		h.bus.Publish(bus.Event{Kind: "conn.connected", Timestamp: time.Now()})
	case *events.Disconnected:
		h.logger.Warn("WhatsApp disconnected")
		_ = h.machine.Transition(status.Reconnecting)
		h.bus.Publish(bus.Event{Kind: "conn.disconnected", Timestamp: time.Now()})
	case *events.HistorySync:
		h.handleHistorySync(evt)
	case *events.PushName:
		h.handlePushName(evt)
	case *events.GroupInfo:
		h.handleGroupInfo(evt)
	case *events.JoinedGroup:
		id := NormalizeJID(evt.JID.String())
		h.logger.Info("joined group", zap.String("jid", id))
		h.bus.Publish(bus.Event{Kind: "wa.group_joined", Timestamp: time.Now(), Payload: id})
	case *events.LoggedOut:
		h.logger.Warn("WhatsApp logged out", zap.String("reason", evt.Reason.String()))
		_ = h.machine.Transition(status.AuthRequired)
		h.bus.Publish(bus.Event{Kind: "auth.logged_out", Timestamp: time.Now(), Payload: evt.Reason.String()})
	}
}

func (h *EventHandler) handleMessage(evt *events.Message) {
	if h.machine.Current() == status.Syncing {
		_ = h.machine.Transition(status.Ready)
	}

	parsed := ParseLiveMessage(evt)
	parsed.ChatJID = h.resolveJID(parsed.ChatJID)
	parsed.SenderJID = h.resolveJID(parsed.SenderJID)

	incoming := &Incoming{Message: parsed.ToArchiveMessage()}
	if IsVoiceNote(evt.Message) {
		incoming.Audio = evt.Message.GetAudioMessage()
	}
	h.bus.Publish(bus.Event{
		Kind:      "wa.message",
		Timestamp: time.Now(),
		Payload:   incoming,
	})

	// Every inbound message carries the sender's current pushName; feed
	// it to the directory so renames take effect immediately.
	if !evt.Info.IsFromMe && parsed.SenderName != "" {
		h.bus.Publish(bus.Event{
			Kind:      "wa.contact",
			Timestamp: time.Now(),
			Payload: &directory.Record{
				Identifier: parsed.SenderJID,
				PushName:   parsed.SenderName,
			},
		})
	}
}

func (h *EventHandler) handlePushName(evt *events.PushName) {
	h.bus.Publish(bus.Event{
		Kind:      "wa.contact",
		Timestamp: time.Now(),
		Payload: &directory.Record{
			Identifier: h.resolveJID(evt.JID.String()),
			PushName:   evt.NewPushName,
		},
	})
}

// handleGroupInfo publishes the group identifier so the refresh queue
// can refetch its metadata; name/topic/participant changes all funnel
// through the same path. When our own account is among the leavers the
// group is gone from our perspective, so a removal event is published
// instead of a refresh.
func (h *EventHandler) handleGroupInfo(evt *events.GroupInfo) {
	id := NormalizeJID(evt.JID.String())
	if self := h.selfJID(); self != "" {
		for _, leaver := range evt.Leave {
			if NormalizeJID(leaver.String()) == self {
				h.logger.Info("removed from group", zap.String("jid", id))
				h.bus.Publish(bus.Event{Kind: "wa.group_left", Timestamp: time.Now(), Payload: id})
				return
			}
		}
	}
	h.bus.Publish(bus.Event{Kind: "wa.group_update", Timestamp: time.Now(), Payload: id})
}

func (h *EventHandler) selfJID() string {
	if h.transport == nil {
		return ""
	}
	return h.transport.SelfJID()
}

func (h *EventHandler) handleHistorySync(evt *events.HistorySync) {
	data := evt.Data
	if data == nil {
		return
	}

	var msgs []*archive.Message
	var contacts []*directory.Record
	for _, conv := range data.GetConversations() {
		chatJID := h.resolveJID(conv.GetID())
		if name := conv.GetName(); name != "" {
			contacts = append(contacts, &directory.Record{
				Identifier:  chatJID,
				DisplayName: name,
			})
		}
		for _, hm := range conv.GetMessages() {
			wmsg := hm.GetMessage()
			if wmsg == nil || wmsg.GetMessage() == nil {
				continue
			}
			info := wmsg.GetMessage()
			senderJID := h.resolveJID(wmsg.GetKey().GetParticipant())
			parsed := &ParsedMessage{
				ChatJID:     chatJID,
				MsgID:       wmsg.GetKey().GetID(),
				SenderJID:   senderJID,
				SenderName:  wmsg.GetPushName(),
				Body:        extractTextBody(info),
				MessageType: detectMessageType(info),
				FromMe:      wmsg.GetKey().GetFromMe(),
				Timestamp:   int64(wmsg.GetMessageTimestamp()) * 1000,
			}
			msgs = append(msgs, parsed.ToArchiveMessage())
			if name := wmsg.GetPushName(); name != "" && senderJID != "" {
				contacts = append(contacts, &directory.Record{
					Identifier: senderJID,
					PushName:   name,
				})
			}
		}
	}
	for _, pn := range data.GetPushnames() {
		if pn.GetID() == "" || pn.GetPushname() == "" {
			continue
		}
		contacts = append(contacts, &directory.Record{
			Identifier: h.resolveJID(pn.GetID()),
			PushName:   pn.GetPushname(),
		})
	}

	if len(msgs) > 0 {
		h.bus.Publish(bus.Event{
			Kind:      "wa.history_batch",
			Timestamp: time.Now(),
			Payload:   msgs,
		})
	}
	if len(contacts) > 0 {
		h.bus.Publish(bus.Event{
			Kind:      "wa.contact_batch",
			Timestamp: time.Now(),
			Payload:   contacts,
		})
	}
}

// resolveJID normalizes a JID string and, when a transport is present,
// resolves LIDs to phone number JIDs.
func (h *EventHandler) resolveJID(jid string) string {
	if jid == "" {
		return jid
	}
	parsed, err := types.ParseJID(jid)
	if err != nil {
		return jid
	}
	parsed = parsed.ToNonAD()
	if h.transport != nil {
		parsed = h.transport.ResolveLID(context.Background(), parsed)
	}
	return parsed.String()
}
