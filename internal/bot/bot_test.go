package bot

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"

	"wabot/internal/ai"
	"wabot/internal/archive"
	"wabot/internal/bus"
	"wabot/internal/directory"
	"wabot/internal/history"
	"wabot/internal/refreshq"
	"wabot/internal/registry"
	"wabot/internal/resolver"
	"wabot/internal/snapshot"
	"wabot/internal/wa"
)

type fakeAI struct {
	reply       string
	transcript  string
	completeErr error

	instruction string
	turns       []ai.Turn
	completes   int
}

func (f *fakeAI) Complete(_ context.Context, instruction string, turns []ai.Turn) (string, error) {
	f.instruction = instruction
	f.turns = turns
	f.completes++
	if f.completeErr != nil {
		return "", f.completeErr
	}
	return f.reply, nil
}

func (f *fakeAI) Transcribe(_ context.Context, _ []byte, _, _ string) (string, error) {
	return f.transcript, nil
}

type fakeAudio struct{ err error }

func (f *fakeAudio) DownloadAudio(_ context.Context, _ *waE2E.AudioMessage) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []byte{0x4f, 0x67, 0x67}, nil
}

type fakeSource struct {
	groups []registry.Group
}

func (f *fakeSource) FetchGroups(context.Context) ([]registry.Group, error) {
	return f.groups, nil
}

func (f *fakeSource) CountGroups(context.Context) (int, error) {
	return len(f.groups), nil
}

func (f *fakeSource) FetchGroup(_ context.Context, identifier string) (*registry.Group, error) {
	for _, g := range f.groups {
		if g.Identifier == identifier {
			g := g
			return &g, nil
		}
	}
	return nil, errors.New("unknown group")
}

type fakeProbe struct{ exists bool }

func (f *fakeProbe) IdentifierExists(context.Context, string) (bool, error) {
	return f.exists, nil
}

type testRig struct {
	bot *Bot
	db  *archive.DB
	dir *directory.Store
	ai  *fakeAI
}

func newRig(t *testing.T, assistant *fakeAI, groups []registry.Group) *testRig {
	t.Helper()
	tmp := t.TempDir()

	db, err := archive.Open(filepath.Join(tmp, "archive.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	dir := directory.Open(
		filepath.Join(tmp, "contacts.json"),
		filepath.Join(tmp, "contacts.backup.json"),
		time.Hour, nil)
	t.Cleanup(dir.Close)

	groupStore := snapshot.New[registry.Group](filepath.Join(tmp, "cache"), ".json", 24*time.Hour, "1", nil)
	reg := registry.New(groupStore, &fakeSource{groups: groups}, nil)

	histStore := snapshot.New[history.Message](filepath.Join(tmp, "history"), "_history.json", 6*time.Hour, "1", nil)
	hist := history.New(histStore, NewHistorySource(db, dir), nil)

	res := resolver.New(dir, &fakeProbe{exists: false}, nil)
	refresh := refreshq.New(NewGroupRefresher(reg, &fakeSource{groups: groups}), nil)

	b := New(Deps{
		DB:          db,
		Directory:   dir,
		Registry:    reg,
		History:     hist,
		Resolver:    res,
		Refresh:     refresh,
		AI:          assistant,
		Audio:       &fakeAudio{},
		Bus:         bus.New(),
		Instruction: "be helpful",
		Language:    "en",
	})
	return &testRig{bot: b, db: db, dir: dir, ai: assistant}
}

func incomingText(chatJID, sender, name, body string) *wa.Incoming {
	return &wa.Incoming{Message: &archive.Message{
		ChatJID:     chatJID,
		MsgID:       fmt.Sprintf("m-%d", time.Now().UnixNano()),
		SenderJID:   sender,
		SenderName:  name,
		Body:        body,
		MessageType: "text",
		Timestamp:   time.Now().UnixMilli(),
	}}
}

func pendingBodies(t *testing.T, db *archive.DB) []string {
	t.Helper()
	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	bodies := make([]string, 0, len(pending))
	for _, p := range pending {
		bodies = append(bodies, p.Body)
	}
	return bodies
}

func TestCommandReplyQueued(t *testing.T) {
	rig := newRig(t, &fakeAI{}, []registry.Group{
		{Identifier: "1@g.us", DisplayName: "Book Club", MemberCount: 12},
	})

	rig.bot.HandleIncoming(context.Background(),
		incomingText("555@s.whatsapp.net", "555@s.whatsapp.net", "Pat", "/groups"))

	bodies := pendingBodies(t, rig.db)
	if len(bodies) != 1 {
		t.Fatalf("pending = %d, want 1", len(bodies))
	}
	if !strings.Contains(bodies[0], "Book Club") || !strings.Contains(bodies[0], "12 members") {
		t.Errorf("reply = %q", bodies[0])
	}
}

func TestUnknownCommand(t *testing.T) {
	rig := newRig(t, &fakeAI{}, nil)

	rig.bot.HandleIncoming(context.Background(),
		incomingText("555@s.whatsapp.net", "555@s.whatsapp.net", "", "/bogus"))

	bodies := pendingBodies(t, rig.db)
	if len(bodies) != 1 || !strings.Contains(bodies[0], "Unknown command") {
		t.Errorf("bodies = %v", bodies)
	}
}

func TestDirectTextGetsAIReply(t *testing.T) {
	assistant := &fakeAI{reply: "hello there"}
	rig := newRig(t, assistant, nil)

	rig.bot.HandleIncoming(context.Background(),
		incomingText("555@s.whatsapp.net", "555@s.whatsapp.net", "Pat", "hi bot"))

	bodies := pendingBodies(t, rig.db)
	if len(bodies) != 1 || bodies[0] != "hello there" {
		t.Fatalf("bodies = %v", bodies)
	}
	if assistant.instruction != "be helpful" {
		t.Errorf("instruction = %q", assistant.instruction)
	}
	if n := len(assistant.turns); n == 0 || assistant.turns[n-1].Content != "hi bot" {
		t.Errorf("turns = %+v, want ending with inbound text", assistant.turns)
	}
}

func TestGroupPlainTextIgnored(t *testing.T) {
	assistant := &fakeAI{reply: "should not appear"}
	rig := newRig(t, assistant, nil)

	rig.bot.HandleIncoming(context.Background(),
		incomingText("1@g.us", "555@s.whatsapp.net", "Pat", "just chatting"))

	if bodies := pendingBodies(t, rig.db); len(bodies) != 0 {
		t.Errorf("bodies = %v, want none for plain group chatter", bodies)
	}
	if assistant.completes != 0 {
		t.Error("assistant should not be called for group chatter")
	}
}

func TestGroupCommandAnswered(t *testing.T) {
	rig := newRig(t, &fakeAI{}, nil)

	rig.bot.HandleIncoming(context.Background(),
		incomingText("1@g.us", "555@s.whatsapp.net", "Pat", "/cacheinfo"))

	bodies := pendingBodies(t, rig.db)
	if len(bodies) != 1 || !strings.Contains(bodies[0], "Contacts:") {
		t.Errorf("bodies = %v", bodies)
	}
}

func TestAIFailureGetsApology(t *testing.T) {
	rig := newRig(t, &fakeAI{completeErr: errors.New("backend down")}, nil)

	rig.bot.HandleIncoming(context.Background(),
		incomingText("555@s.whatsapp.net", "555@s.whatsapp.net", "", "hi"))

	bodies := pendingBodies(t, rig.db)
	if len(bodies) != 1 || bodies[0] != apologyReply {
		t.Errorf("bodies = %v, want apology", bodies)
	}
}

func TestVoiceNoteTranscribedThenAnswered(t *testing.T) {
	assistant := &fakeAI{reply: "it is noon", transcript: "what time is it"}
	rig := newRig(t, assistant, nil)

	inc := incomingText("555@s.whatsapp.net", "555@s.whatsapp.net", "Pat", "")
	inc.Message.MessageType = "audio"
	inc.Audio = &waE2E.AudioMessage{}

	rig.bot.HandleIncoming(context.Background(), inc)

	bodies := pendingBodies(t, rig.db)
	if len(bodies) != 1 || bodies[0] != "it is noon" {
		t.Fatalf("bodies = %v", bodies)
	}
	if n := len(assistant.turns); n == 0 || assistant.turns[n-1].Content != "what time is it" {
		t.Errorf("turns should end with the transcript, got %+v", assistant.turns)
	}
}

func TestVoiceCommandDispatched(t *testing.T) {
	assistant := &fakeAI{transcript: "/cacheinfo"}
	rig := newRig(t, assistant, nil)

	inc := incomingText("555@s.whatsapp.net", "555@s.whatsapp.net", "", "")
	inc.Audio = &waE2E.AudioMessage{}

	rig.bot.HandleIncoming(context.Background(), inc)

	bodies := pendingBodies(t, rig.db)
	if len(bodies) != 1 || !strings.Contains(bodies[0], "Contacts:") {
		t.Errorf("bodies = %v, want cacheinfo reply", bodies)
	}
}

func TestRecipientRouting(t *testing.T) {
	assistant := &fakeAI{reply: "forwarded hello"}
	rig := newRig(t, assistant, nil)
	rig.dir.Put("777@s.whatsapp.net", directory.Record{PushName: "Bob"})

	rig.bot.HandleIncoming(context.Background(),
		incomingText("555@s.whatsapp.net", "555@s.whatsapp.net", "Pat", "@Bob: say hi to him"))

	pending, err := rig.db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	if pending[0].ChatJID != "777@s.whatsapp.net" {
		t.Errorf("routed to %q, want Bob's JID", pending[0].ChatJID)
	}
	if pending[0].Body != "forwarded hello" {
		t.Errorf("body = %q", pending[0].Body)
	}
}

func TestRecipientNotFoundSuggests(t *testing.T) {
	rig := newRig(t, &fakeAI{reply: "x"}, nil)
	rig.dir.Put("777@s.whatsapp.net", directory.Record{PushName: "Roberta"})

	rig.bot.HandleIncoming(context.Background(),
		incomingText("555@s.whatsapp.net", "555@s.whatsapp.net", "", "@Robe: hi"))

	pending, err := rig.db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	// "Robe" substring-matches "Roberta", so it resolves; use a miss.
	if len(pending) != 1 || pending[0].ChatJID != "777@s.whatsapp.net" {
		t.Fatalf("pending = %+v, want routed to Roberta", pending)
	}

	rig.bot.HandleIncoming(context.Background(),
		incomingText("555@s.whatsapp.net", "555@s.whatsapp.net", "", "@Zed: hi"))
	bodies := pendingBodies(t, rig.db)
	last := bodies[len(bodies)-1]
	if !strings.Contains(last, "No contact matching") {
		t.Errorf("reply = %q, want not-found message", last)
	}
}

// A sender whose pushName arrives with their first message becomes
// resolvable by that name immediately afterwards.
func TestPushNameMakesSenderResolvable(t *testing.T) {
	rig := newRig(t, &fakeAI{reply: "ok"}, nil)

	// Directory update the transport publishes alongside the message.
	rig.dir.Put("15550001111@s.whatsapp.net", directory.Record{PushName: "Alexandra"})
	rig.bot.HandleIncoming(context.Background(),
		incomingText("15550001111@s.whatsapp.net", "15550001111@s.whatsapp.net", "Alexandra", "hello!"))

	// A shortened form of the pushName now resolves via substring match.
	rig.bot.HandleIncoming(context.Background(),
		incomingText("555@s.whatsapp.net", "555@s.whatsapp.net", "", "/historyinfo Alex"))

	bodies := pendingBodies(t, rig.db)
	last := bodies[len(bodies)-1]
	if strings.Contains(last, "No contact matching") {
		t.Fatalf("reply = %q, Alex should resolve to Alexandra", last)
	}
	if !strings.Contains(last, "No cached history") {
		t.Errorf("reply = %q, want no-cached-history for a fresh contact", last)
	}
}

func TestArchivedContextFeedsAI(t *testing.T) {
	assistant := &fakeAI{reply: "with context"}
	rig := newRig(t, assistant, nil)

	chat := "555@s.whatsapp.net"
	rig.bot.HandleIncoming(context.Background(), incomingText(chat, chat, "", "first message"))
	rig.bot.HandleIncoming(context.Background(), incomingText(chat, chat, "", "second message"))

	var contents []string
	for _, turn := range assistant.turns {
		contents = append(contents, turn.Content)
	}
	joined := strings.Join(contents, "|")
	if !strings.Contains(joined, "first message") || !strings.Contains(joined, "second message") {
		t.Errorf("turns = %v, want both archived messages in the window", contents)
	}
}

func TestParseRecipient(t *testing.T) {
	tests := []struct {
		in        string
		recipient string
		rest      string
		ok        bool
	}{
		{"@Bob: hello", "Bob", "hello", true},
		{"@Maria Silva: tudo bem?", "Maria Silva", "tudo bem?", true},
		{"no prefix", "", "", false},
		{"@: empty", "", "", false},
		{"@NoColon hello", "", "", false},
		{"@Bob:", "", "", false},
	}
	for _, tt := range tests {
		recipient, rest, ok := parseRecipient(tt.in)
		if recipient != tt.recipient || rest != tt.rest || ok != tt.ok {
			t.Errorf("parseRecipient(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.in, recipient, rest, ok, tt.recipient, tt.rest, tt.ok)
		}
	}
}

func TestGroupLeftRemovesFromRegistry(t *testing.T) {
	rig := newRig(t, &fakeAI{}, []registry.Group{
		{Identifier: "1@g.us", DisplayName: "Trip Planning"},
		{Identifier: "2@g.us", DisplayName: "Family"},
	})

	// Prime the registry projection.
	rig.bot.reg.Groups(context.Background(), false)
	if _, ok := rig.bot.reg.Find("1@g.us"); !ok {
		t.Fatal("group missing before leave event")
	}

	rig.bot.handleEvent(context.Background(), bus.Event{
		Kind:      "wa.group_left",
		Timestamp: time.Now(),
		Payload:   "1@g.us",
	})

	if _, ok := rig.bot.reg.Find("1@g.us"); ok {
		t.Error("group still in registry after leaving it")
	}
	if _, ok := rig.bot.reg.Find("2@g.us"); !ok {
		t.Error("unrelated group removed")
	}
}
