package wa

import (
	"context"
	"testing"
	"time"

	"go.mau.fi/whatsmeow/proto/waCommon"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/proto/waHistorySync"
	"go.mau.fi/whatsmeow/proto/waWeb"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"wabot/internal/archive"
	"wabot/internal/bus"
	"wabot/internal/directory"
	"wabot/internal/status"
)

// fakeTransport stands in for the adapter: LIDs pass through unchanged
// and SelfJID reports a fixed account identity.
type fakeTransport struct {
	self string
}

func (f *fakeTransport) ResolveLID(_ context.Context, jid types.JID) types.JID { return jid }
func (f *fakeTransport) SelfJID() string                                       { return f.self }

// walkTo transitions the machine through the given states sequentially.
func walkTo(t *testing.T, m *status.Machine, states ...status.State) {
	t.Helper()
	for _, s := range states {
		if err := m.Transition(s); err != nil {
			t.Fatalf("transition to %s failed: %v", s, err)
		}
	}
}

func TestHandleConnectedFromAuthRequired(t *testing.T) {
	b := bus.New()
	m := status.NewMachine(b)
	h := NewEventHandler(b, m, nil, zap.NewNop())

	walkTo(t, m, status.AuthRequired)

	ch, unsub := b.Subscribe("conn.connected", 10)
	defer unsub()

	h.Handle(&events.Connected{})

	if m.Current() != status.Syncing {
		t.Errorf("state = %s, want SYNCING", m.Current())
	}

	select {
	case evt := <-ch:
		if evt.Kind != "conn.connected" {
			t.Errorf("event kind = %q, want conn.connected", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for conn.connected event")
	}
}

func TestHandleConnectedFromReconnecting(t *testing.T) {
	b := bus.New()
	m := status.NewMachine(b)
	h := NewEventHandler(b, m, nil, zap.NewNop())

	walkTo(t, m, status.Connecting, status.Syncing, status.Reconnecting)

	h.Handle(&events.Connected{})

	if m.Current() != status.Syncing {
		t.Errorf("state = %s, want SYNCING (reconnect path)", m.Current())
	}
}

func TestHandleDisconnected(t *testing.T) {
	b := bus.New()
	m := status.NewMachine(b)
	h := NewEventHandler(b, m, nil, zap.NewNop())

	walkTo(t, m, status.Connecting, status.Syncing, status.Ready)

	ch, unsub := b.Subscribe("conn.disconnected", 10)
	defer unsub()

	h.Handle(&events.Disconnected{})

	if m.Current() != status.Reconnecting {
		t.Errorf("state = %s, want RECONNECTING", m.Current())
	}

	select {
	case evt := <-ch:
		if evt.Kind != "conn.disconnected" {
			t.Errorf("event kind = %q, want conn.disconnected", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for conn.disconnected event")
	}
}

func TestHandleMessageTransitionsToReady(t *testing.T) {
	b := bus.New()
	m := status.NewMachine(b)
	h := NewEventHandler(b, m, nil, zap.NewNop())

	walkTo(t, m, status.Connecting, status.Syncing)

	ch, unsub := b.Subscribe("wa.message", 10)
	defer unsub()

	h.Handle(&events.Message{
		Info: types.MessageInfo{
			ID:        "test1",
			Timestamp: time.Now(),
			MessageSource: types.MessageSource{
				Chat:   types.JID{User: "c", Server: "s"},
				Sender: types.JID{User: "s", Server: "s"},
			},
		},
		Message: &waE2E.Message{Conversation: proto.String("hello")},
	})

	if m.Current() != status.Ready {
		t.Errorf("state = %s, want READY (first message after sync)", m.Current())
	}

	select {
	case evt := <-ch:
		inc, ok := evt.Payload.(*Incoming)
		if !ok {
			t.Fatal("payload is not *Incoming")
		}
		if inc.Message.Body != "hello" {
			t.Errorf("body = %q, want hello", inc.Message.Body)
		}
		if inc.Audio != nil {
			t.Error("text message should not carry audio")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for wa.message event")
	}
}

func TestHandleVoiceNoteCarriesAudio(t *testing.T) {
	b := bus.New()
	m := status.NewMachine(b)
	h := NewEventHandler(b, m, nil, zap.NewNop())

	walkTo(t, m, status.Connecting, status.Syncing, status.Ready)

	ch, unsub := b.Subscribe("wa.message", 10)
	defer unsub()

	h.Handle(&events.Message{
		Info: types.MessageInfo{
			ID:        "v1",
			Timestamp: time.Now(),
			MessageSource: types.MessageSource{
				Chat:   types.JID{User: "c", Server: "s"},
				Sender: types.JID{User: "s", Server: "s"},
			},
		},
		Message: &waE2E.Message{AudioMessage: &waE2E.AudioMessage{PTT: proto.Bool(true)}},
	})

	select {
	case evt := <-ch:
		inc := evt.Payload.(*Incoming)
		if inc.Audio == nil {
			t.Error("voice note payload should carry the audio message")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for wa.message event")
	}
}

func TestHandleMessagePublishesSenderPushName(t *testing.T) {
	b := bus.New()
	m := status.NewMachine(b)
	h := NewEventHandler(b, m, nil, zap.NewNop())

	walkTo(t, m, status.Connecting, status.Syncing, status.Ready)

	ch, unsub := b.Subscribe("wa.contact", 10)
	defer unsub()

	h.Handle(&events.Message{
		Info: types.MessageInfo{
			ID:        "m1",
			PushName:  "Alexandra",
			Timestamp: time.Now(),
			MessageSource: types.MessageSource{
				Chat:   types.JID{User: "15550001111", Server: "s.whatsapp.net"},
				Sender: types.JID{User: "15550001111", Server: "s.whatsapp.net"},
			},
		},
		Message: &waE2E.Message{Conversation: proto.String("hi")},
	})

	select {
	case evt := <-ch:
		rec, ok := evt.Payload.(*directory.Record)
		if !ok {
			t.Fatal("payload is not *directory.Record")
		}
		if rec.Identifier != "15550001111@s.whatsapp.net" {
			t.Errorf("identifier = %q", rec.Identifier)
		}
		if rec.PushName != "Alexandra" {
			t.Errorf("pushName = %q, want Alexandra", rec.PushName)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for wa.contact event")
	}
}

func TestHandleLoggedOut(t *testing.T) {
	b := bus.New()
	m := status.NewMachine(b)
	h := NewEventHandler(b, m, nil, zap.NewNop())

	walkTo(t, m, status.Connecting, status.Syncing, status.Ready)

	ch, unsub := b.Subscribe("auth.", 10)
	defer unsub()

	h.Handle(&events.LoggedOut{})

	if m.Current() != status.AuthRequired {
		t.Errorf("state = %s, want AUTH_REQUIRED", m.Current())
	}

	select {
	case evt := <-ch:
		if evt.Kind != "auth.logged_out" {
			t.Errorf("event kind = %q, want auth.logged_out", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for auth.logged_out event")
	}
}

func TestHandleGroupInfoPublishesIdentifier(t *testing.T) {
	b := bus.New()
	m := status.NewMachine(b)
	h := NewEventHandler(b, m, nil, zap.NewNop())

	ch, unsub := b.Subscribe("wa.group_update", 10)
	defer unsub()

	h.Handle(&events.GroupInfo{JID: types.JID{User: "120363123456", Server: "g.us"}})

	select {
	case evt := <-ch:
		if id, _ := evt.Payload.(string); id != "120363123456@g.us" {
			t.Errorf("payload = %v, want 120363123456@g.us", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for wa.group_update event")
	}
}

func TestHandleGroupInfoSelfLeavePublishesGroupLeft(t *testing.T) {
	b := bus.New()
	m := status.NewMachine(b)
	h := NewEventHandler(b, m, &fakeTransport{self: "15550001111@s.whatsapp.net"}, zap.NewNop())

	ch, unsub := b.Subscribe("wa.group_", 10)
	defer unsub()

	h.Handle(&events.GroupInfo{
		JID:   types.JID{User: "120363123456", Server: "g.us"},
		Leave: []types.JID{{User: "15550001111", Server: "s.whatsapp.net", Device: 3}},
	})

	select {
	case evt := <-ch:
		if evt.Kind != "wa.group_left" {
			t.Errorf("event kind = %q, want wa.group_left", evt.Kind)
		}
		if id, _ := evt.Payload.(string); id != "120363123456@g.us" {
			t.Errorf("payload = %v, want 120363123456@g.us", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for wa.group_left event")
	}
}

func TestHandleGroupInfoOtherLeaveStaysUpdate(t *testing.T) {
	b := bus.New()
	m := status.NewMachine(b)
	h := NewEventHandler(b, m, &fakeTransport{self: "15550001111@s.whatsapp.net"}, zap.NewNop())

	ch, unsub := b.Subscribe("wa.group_", 10)
	defer unsub()

	h.Handle(&events.GroupInfo{
		JID:   types.JID{User: "120363123456", Server: "g.us"},
		Leave: []types.JID{{User: "15550009999", Server: "s.whatsapp.net"}},
	})

	select {
	case evt := <-ch:
		if evt.Kind != "wa.group_update" {
			t.Errorf("event kind = %q, want wa.group_update (someone else left)", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for wa.group_update event")
	}
}

func TestHandleHistorySync(t *testing.T) {
	b := bus.New()
	m := status.NewMachine(b)
	h := NewEventHandler(b, m, nil, zap.NewNop())

	walkTo(t, m, status.Connecting, status.Syncing)

	ch, unsub := b.Subscribe("wa.history_batch", 10)
	defer unsub()

	msgTS := uint64(time.Now().Unix())
	h.Handle(&events.HistorySync{
		Data: &waHistorySync.HistorySync{
			Conversations: []*waHistorySync.Conversation{
				{
					ID: proto.String("chat@g.us"),
					Messages: []*waHistorySync.HistorySyncMsg{
						{
							Message: &waWeb.WebMessageInfo{
								Key: &waCommon.MessageKey{
									ID:        proto.String("hm1"),
									FromMe:    proto.Bool(false),
									RemoteJID: proto.String("chat@g.us"),
								},
								MessageTimestamp: &msgTS,
								Message:          &waE2E.Message{Conversation: proto.String("history msg")},
							},
						},
					},
				},
			},
		},
	})

	select {
	case evt := <-ch:
		msgs, ok := evt.Payload.([]*archive.Message)
		if !ok || len(msgs) != 1 {
			t.Fatalf("payload = %T, want one archive message", evt.Payload)
		}
		if msgs[0].Body != "history msg" {
			t.Errorf("body = %q", msgs[0].Body)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for wa.history_batch event")
	}
}

func TestHandleHistorySyncNilData(t *testing.T) {
	b := bus.New()
	m := status.NewMachine(b)
	h := NewEventHandler(b, m, nil, zap.NewNop())

	walkTo(t, m, status.Connecting, status.Syncing)

	ch, unsub := b.Subscribe("wa.", 10)
	defer unsub()

	// Should not panic on nil data.
	h.Handle(&events.HistorySync{Data: nil})

	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected: no events.
	}
}

func TestHistorySyncPublishesContactBatch(t *testing.T) {
	b := bus.New()
	m := status.NewMachine(b)
	h := NewEventHandler(b, m, nil, zap.NewNop())

	walkTo(t, m, status.Connecting, status.Syncing)

	ch, unsub := b.Subscribe("wa.contact_batch", 10)
	defer unsub()

	msgTS := uint64(time.Now().Unix())
	h.Handle(&events.HistorySync{
		Data: &waHistorySync.HistorySync{
			Conversations: []*waHistorySync.Conversation{
				{
					ID:   proto.String("15550002222@s.whatsapp.net"),
					Name: proto.String("Eric"),
					Messages: []*waHistorySync.HistorySyncMsg{
						{
							Message: &waWeb.WebMessageInfo{
								Key: &waCommon.MessageKey{
									ID:          proto.String("hm1"),
									FromMe:      proto.Bool(false),
									RemoteJID:   proto.String("15550002222@s.whatsapp.net"),
									Participant: proto.String("15550002222@s.whatsapp.net"),
								},
								MessageTimestamp: &msgTS,
								Message:          &waE2E.Message{Conversation: proto.String("test msg")},
								PushName:         proto.String("Eric"),
							},
						},
					},
				},
			},
		},
	})

	select {
	case evt := <-ch:
		contacts, ok := evt.Payload.([]*directory.Record)
		if !ok || len(contacts) == 0 {
			t.Fatal("contact batch is empty")
		}
		found := false
		for _, c := range contacts {
			if c.DisplayName == "Eric" || c.PushName == "Eric" {
				found = true
			}
		}
		if !found {
			t.Error("contact batch should carry the Eric name from conversation metadata")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for wa.contact_batch event")
	}
}

func TestHistorySyncDeviceSuffixStripped(t *testing.T) {
	b := bus.New()
	m := status.NewMachine(b)
	h := NewEventHandler(b, m, nil, zap.NewNop())

	walkTo(t, m, status.Connecting, status.Syncing)

	ch, unsub := b.Subscribe("wa.history_batch", 10)
	defer unsub()

	msgTS := uint64(time.Now().Unix())
	h.Handle(&events.HistorySync{
		Data: &waHistorySync.HistorySync{
			Conversations: []*waHistorySync.Conversation{
				{
					ID: proto.String("558592403672:0@s.whatsapp.net"),
					Messages: []*waHistorySync.HistorySyncMsg{
						{
							Message: &waWeb.WebMessageInfo{
								Key: &waCommon.MessageKey{
									ID:          proto.String("hm1"),
									FromMe:      proto.Bool(false),
									RemoteJID:   proto.String("558592403672:0@s.whatsapp.net"),
									Participant: proto.String("558592403672:2@s.whatsapp.net"),
								},
								MessageTimestamp: &msgTS,
								Message:          &waE2E.Message{Conversation: proto.String("hello")},
							},
						},
					},
				},
			},
		},
	})

	select {
	case evt := <-ch:
		msgs, ok := evt.Payload.([]*archive.Message)
		if !ok || len(msgs) == 0 {
			t.Fatal("history batch has no messages")
		}
		if msgs[0].ChatJID != "558592403672@s.whatsapp.net" {
			t.Errorf("ChatJID = %q, want 558592403672@s.whatsapp.net (device suffix not stripped)", msgs[0].ChatJID)
		}
		if msgs[0].SenderJID != "558592403672@s.whatsapp.net" {
			t.Errorf("SenderJID = %q, want 558592403672@s.whatsapp.net (device suffix not stripped)", msgs[0].SenderJID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for wa.history_batch event")
	}
}

func TestPushNameContactJIDNormalized(t *testing.T) {
	b := bus.New()
	m := status.NewMachine(b)
	h := NewEventHandler(b, m, nil, zap.NewNop())

	ch, unsub := b.Subscribe("wa.contact", 10)
	defer unsub()

	h.Handle(&events.PushName{
		JID:         types.JID{User: "558592403672", Server: "s.whatsapp.net", Device: 5},
		NewPushName: "Eric",
	})

	select {
	case evt := <-ch:
		rec, ok := evt.Payload.(*directory.Record)
		if !ok {
			t.Fatal("payload is not *directory.Record")
		}
		if rec.Identifier != "558592403672@s.whatsapp.net" {
			t.Errorf("identifier = %q, want 558592403672@s.whatsapp.net (device suffix not stripped)", rec.Identifier)
		}
		if rec.PushName != "Eric" {
			t.Errorf("pushName = %q, want Eric", rec.PushName)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for wa.contact event")
	}
}

func TestResolveLIDNonLIDPassthrough(t *testing.T) {
	a := &Adapter{}
	regular := types.JID{User: "558592403672", Server: "s.whatsapp.net"}
	if got := a.ResolveLID(context.Background(), regular); got != regular {
		t.Errorf("ResolveLID(regular) = %v, want %v (should pass through)", got, regular)
	}

	group := types.JID{User: "120363123456", Server: "g.us"}
	if got := a.ResolveLID(context.Background(), group); got != group {
		t.Errorf("ResolveLID(group) = %v, want %v (should pass through)", got, group)
	}
}
