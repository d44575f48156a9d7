package wa

import (
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"wabot/internal/archive"
)

// ParsedMessage is a normalized message ready for archiving.
type ParsedMessage struct {
	ChatJID     string
	MsgID       string
	SenderJID   string
	SenderName  string
	Body        string
	MessageType string
	FromMe      bool
	Timestamp   int64
}

// ParseLiveMessage normalizes a live whatsmeow message event.
func ParseLiveMessage(evt *events.Message) *ParsedMessage {
	return &ParsedMessage{
		ChatJID:     NormalizeJID(evt.Info.Chat.String()),
		MsgID:       evt.Info.ID,
		SenderJID:   NormalizeJID(evt.Info.Sender.String()),
		SenderName:  evt.Info.PushName,
		Body:        extractTextBody(evt.Message),
		MessageType: detectMessageType(evt.Message),
		FromMe:      evt.Info.IsFromMe,
		Timestamp:   evt.Info.Timestamp.UnixMilli(),
	}
}

// ToArchiveMessage converts a ParsedMessage to an archive row.
func (p *ParsedMessage) ToArchiveMessage() *archive.Message {
	return &archive.Message{
		ChatJID:     p.ChatJID,
		MsgID:       p.MsgID,
		SenderJID:   p.SenderJID,
		SenderName:  p.SenderName,
		Body:        p.Body,
		MessageType: p.MessageType,
		FromMe:      p.FromMe,
		Timestamp:   p.Timestamp,
	}
}

// NormalizeJID strips device/agent suffixes so the same contact always
// maps to one chat ("user:3@s.whatsapp.net" -> "user@s.whatsapp.net").
// LID JIDs pass through unchanged; resolving those needs the adapter's
// device store.
func NormalizeJID(jid string) string {
	if jid == "" {
		return jid
	}
	parsed, err := types.ParseJID(jid)
	if err != nil {
		return jid
	}
	return parsed.ToNonAD().String()
}

// IsVoiceNote reports whether a message is a push-to-talk voice note.
func IsVoiceNote(msg *waE2E.Message) bool {
	audio := msg.GetAudioMessage()
	return audio != nil && audio.GetPTT()
}

func extractTextBody(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if c := msg.GetConversation(); c != "" {
		return c
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	if img := msg.GetImageMessage(); img != nil {
		return img.GetCaption()
	}
	if vid := msg.GetVideoMessage(); vid != nil {
		return vid.GetCaption()
	}
	return ""
}

func detectMessageType(msg *waE2E.Message) string {
	if msg == nil {
		return "unknown"
	}
	switch {
	case msg.GetConversation() != "" || msg.GetExtendedTextMessage() != nil:
		return "text"
	case msg.GetImageMessage() != nil:
		return "image"
	case msg.GetVideoMessage() != nil:
		return "video"
	case msg.GetAudioMessage() != nil:
		return "audio"
	case msg.GetDocumentMessage() != nil:
		return "document"
	case msg.GetStickerMessage() != nil:
		return "sticker"
	case msg.GetContactMessage() != nil:
		return "contact"
	case msg.GetLocationMessage() != nil:
		return "location"
	default:
		return "unknown"
	}
}
