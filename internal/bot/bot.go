// Package bot is the reply pipeline: it consumes parsed transport
// events from the bus, keeps the archive and directory fed, and answers
// slash commands and AI-assisted conversation.
package bot

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.uber.org/zap"

	"wabot/internal/ai"
	"wabot/internal/archive"
	"wabot/internal/bus"
	"wabot/internal/directory"
	"wabot/internal/history"
	"wabot/internal/refreshq"
	"wabot/internal/registry"
	"wabot/internal/resolver"
	"wabot/internal/wa"
)

// contextWindow is how many archived messages feed an AI reply.
const contextWindow = 20

// Assistant is the AI surface the bot needs.
type Assistant interface {
	Complete(ctx context.Context, instruction string, turns []ai.Turn) (string, error)
	Transcribe(ctx context.Context, audio []byte, filename, language string) (string, error)
}

// AudioDownloader fetches voice note media from the transport.
type AudioDownloader interface {
	DownloadAudio(ctx context.Context, audio *waE2E.AudioMessage) ([]byte, error)
}

// Deps bundles the bot's collaborators.
type Deps struct {
	DB          *archive.DB
	Directory   *directory.Store
	Registry    *registry.Registry
	History     *history.Cache
	Resolver    *resolver.Resolver
	Refresh     *refreshq.Queue
	AI          Assistant
	Audio       AudioDownloader
	Bus         *bus.Bus
	Logger      *zap.Logger
	Instruction string
	Language    string
}

// Bot runs the message pipeline.
type Bot struct {
	db          *archive.DB
	dir         *directory.Store
	reg         *registry.Registry
	hist        *history.Cache
	res         *resolver.Resolver
	refresh     *refreshq.Queue
	ai          Assistant
	audio       AudioDownloader
	bus         *bus.Bus
	logger      *zap.Logger
	instruction string
	language    string

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates the bot pipeline.
func New(d Deps) *Bot {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Bot{
		db:          d.DB,
		dir:         d.Directory,
		reg:         d.Registry,
		hist:        d.History,
		res:         d.Resolver,
		refresh:     d.Refresh,
		ai:          d.AI,
		audio:       d.Audio,
		bus:         d.Bus,
		logger:      d.Logger,
		instruction: d.Instruction,
		language:    d.Language,
	}
}

// Start subscribes to transport events and begins processing.
func (b *Bot) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)
	b.done = make(chan struct{})
	ch, unsub := b.bus.Subscribe("wa.", 256)
	go func() {
		defer close(b.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				b.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop terminates the pipeline and waits for the loop to exit.
func (b *Bot) Stop() {
	if b.cancel != nil {
		b.cancel()
		<-b.done
	}
}

func (b *Bot) handleEvent(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case "wa.message":
		if inc, ok := evt.Payload.(*wa.Incoming); ok {
			b.HandleIncoming(ctx, inc)
		}
	case "wa.contact":
		if rec, ok := evt.Payload.(*directory.Record); ok {
			b.dir.Put(rec.Identifier, *rec)
		}
	case "wa.contact_batch":
		if recs, ok := evt.Payload.([]*directory.Record); ok {
			for _, rec := range recs {
				b.dir.Put(rec.Identifier, *rec)
			}
		}
	case "wa.history_batch":
		if msgs, ok := evt.Payload.([]*archive.Message); ok {
			b.archiveBatch(msgs)
		}
	case "wa.group_update", "wa.group_joined":
		if id, ok := evt.Payload.(string); ok {
			b.refresh.Enqueue(id)
			go b.refresh.Drain(ctx)
		}
	case "wa.group_left":
		if id, ok := evt.Payload.(string); ok {
			b.reg.Remove(id)
			b.logger.Info("group dropped from registry", zap.String("jid", id))
		}
	}
}

// HandleIncoming archives one inbound message and produces a reply when
// one is warranted. Exposed for direct invocation by the transport glue.
func (b *Bot) HandleIncoming(ctx context.Context, inc *wa.Incoming) {
	msg := inc.Message
	b.archiveIncoming(msg)

	if msg.FromMe {
		return
	}

	text := strings.TrimSpace(msg.Body)
	if inc.Audio != nil {
		transcript, err := b.transcribe(ctx, inc.Audio)
		if err != nil {
			b.logger.Error("voice transcription failed", zap.String("chat", msg.ChatJID), zap.Error(err))
			b.queueReply(msg.ChatJID, apologyReply)
			return
		}
		text = strings.TrimSpace(transcript)
	}
	if text == "" {
		return
	}

	if strings.HasPrefix(text, "/") {
		b.queueReply(msg.ChatJID, b.dispatchCommand(ctx, msg.ChatJID, text))
		return
	}

	// Plain conversation only in direct chats; groups get commands only.
	if isGroupJID(msg.ChatJID) {
		return
	}
	b.aiReply(ctx, msg.ChatJID, text)
}

func (b *Bot) archiveIncoming(msg *archive.Message) {
	if err := b.db.UpsertChat(&archive.Chat{
		JID:           msg.ChatJID,
		IsGroup:       isGroupJID(msg.ChatJID),
		LastMessageAt: msg.Timestamp,
	}); err != nil {
		b.logger.Error("chat upsert failed", zap.String("chat", msg.ChatJID), zap.Error(err))
	}
	if err := b.db.UpsertMessage(msg); err != nil {
		b.logger.Error("message archive failed", zap.String("chat", msg.ChatJID), zap.Error(err))
	}
}

func (b *Bot) archiveBatch(msgs []*archive.Message) {
	batch := make([]archive.Message, 0, len(msgs))
	for _, m := range msgs {
		batch = append(batch, *m)
	}
	if err := b.db.BulkUpsertMessages(batch); err != nil {
		b.logger.Error("history batch archive failed", zap.Int("messages", len(batch)), zap.Error(err))
	}
}

func (b *Bot) transcribe(ctx context.Context, audio *waE2E.AudioMessage) (string, error) {
	data, err := b.audio.DownloadAudio(ctx, audio)
	if err != nil {
		return "", err
	}
	return b.ai.Transcribe(ctx, data, "voice.ogg", b.language)
}

// aiReply generates a conversational reply. A leading "@name: " routes
// the reply to the named recipient instead of back to the chat.
func (b *Bot) aiReply(ctx context.Context, chatJID, text string) {
	target := chatJID
	if recipient, rest, ok := parseRecipient(text); ok {
		id, errReply := b.resolveTarget(ctx, recipient)
		if errReply != "" {
			b.queueReply(chatJID, errReply)
			return
		}
		target = id
		text = rest
	}

	reply, err := b.ai.Complete(ctx, b.instruction, b.contextTurns(chatJID, text))
	if err != nil {
		b.logger.Error("reply generation failed", zap.String("chat", chatJID), zap.Error(err))
		b.queueReply(chatJID, apologyReply)
		return
	}
	b.queueReply(target, reply)
}

// contextTurns builds the role-tagged conversation window ending in the
// current inbound text.
func (b *Bot) contextTurns(chatJID, text string) []ai.Turn {
	rows, err := b.db.RecentMessages(chatJID, contextWindow)
	if err != nil {
		b.logger.Warn("context read failed", zap.String("chat", chatJID), zap.Error(err))
		rows = nil
	}

	var turns []ai.Turn
	for _, row := range rows {
		if row.Body == "" {
			continue
		}
		role := "user"
		if row.FromMe {
			role = "assistant"
		}
		turns = append(turns, ai.Turn{Role: role, Content: row.Body})
	}
	// The inbound message is archived before the reply path runs, but a
	// transcribed voice note differs from its archived body; make sure
	// the window ends with the effective text.
	if len(turns) == 0 || turns[len(turns)-1].Content != text {
		turns = append(turns, ai.Turn{Role: "user", Content: text})
	}
	return turns
}

func (b *Bot) queueReply(chatJID, text string) {
	if text == "" {
		return
	}
	if err := b.db.QueueOutbox(uuid.NewString(), chatJID, text); err != nil {
		b.logger.Error("reply queue failed", zap.String("chat", chatJID), zap.Error(err))
	}
}

// parseRecipient splits "@name: message" into its parts.
func parseRecipient(text string) (recipient, rest string, ok bool) {
	if !strings.HasPrefix(text, "@") {
		return "", "", false
	}
	idx := strings.Index(text, ":")
	if idx < 2 {
		return "", "", false
	}
	recipient = strings.TrimSpace(text[1:idx])
	rest = strings.TrimSpace(text[idx+1:])
	if recipient == "" || rest == "" {
		return "", "", false
	}
	return recipient, rest, true
}
