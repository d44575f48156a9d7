package wa

import (
	"context"
	"fmt"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"wabot/internal/bus"
	"wabot/internal/directory"
	"wabot/internal/profile"

	_ "github.com/mattn/go-sqlite3"
)

// Adapter wraps the whatsmeow client and manages the WhatsApp connection.
type Adapter struct {
	client    *whatsmeow.Client
	container *sqlstore.Container
	bus       *bus.Bus
	logger    *zap.Logger
	profile   string
}

// NewAdapter creates a new WhatsApp adapter for the given profile.
func NewAdapter(ctx context.Context, profileName string, b *bus.Bus, logger *zap.Logger) (*Adapter, error) {
	// Set device name shown on the phone's linked devices list.
	wastore.SetOSInfo("WABot", [3]uint32{0, 1, 0})

	dbPath := profile.SessionDBPath(profileName)

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", dbPath),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create session store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device store: %w", err)
	}

	client := whatsmeow.NewClient(deviceStore, nil)

	return &Adapter{
		client:    client,
		container: container,
		bus:       b,
		logger:    logger,
		profile:   profileName,
	}, nil
}

// Client returns the underlying whatsmeow client.
func (a *Adapter) Client() *whatsmeow.Client {
	return a.client
}

// IsLoggedIn returns whether the adapter has valid credentials.
func (a *Adapter) IsLoggedIn() bool {
	return a.client.Store.ID != nil
}

// Connect initiates the WhatsApp connection.
func (a *Adapter) Connect() error {
	a.logger.Info("connecting to WhatsApp")
	return a.client.Connect()
}

// Disconnect terminates the WhatsApp connection.
func (a *Adapter) Disconnect() {
	a.logger.Info("disconnecting from WhatsApp")
	a.client.Disconnect()
}

// RegisterEventHandler adds a handler for whatsmeow events.
func (a *Adapter) RegisterEventHandler(handler whatsmeow.EventHandler) {
	a.client.AddEventHandler(handler)
}

// SendText sends a text message to the given JID. Returns the server message ID.
func (a *Adapter) SendText(ctx context.Context, jid string, text string) (string, error) {
	to, err := types.ParseJID(jid)
	if err != nil {
		return "", fmt.Errorf("parse JID: %w", err)
	}
	resp, err := a.client.SendMessage(ctx, to, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return resp.ID, nil
}

// IdentifierExists probes whether a user JID is registered on WhatsApp.
// Used by the resolver's phone fallback to confirm derived identifiers
// before any message is sent to them.
func (a *Adapter) IdentifierExists(ctx context.Context, identifier string) (bool, error) {
	jid, err := types.ParseJID(identifier)
	if err != nil {
		return false, fmt.Errorf("parse JID: %w", err)
	}
	resp, err := a.client.IsOnWhatsApp(ctx, []string{"+" + jid.User})
	if err != nil {
		return false, fmt.Errorf("existence probe: %w", err)
	}
	if len(resp) == 0 {
		return false, nil
	}
	return resp[0].IsIn, nil
}

// DownloadAudio fetches the encrypted media of a voice note and returns
// the decrypted bytes.
func (a *Adapter) DownloadAudio(ctx context.Context, audio *waE2E.AudioMessage) ([]byte, error) {
	data, err := a.client.Download(ctx, audio)
	if err != nil {
		return nil, fmt.Errorf("download audio: %w", err)
	}
	return data, nil
}

// GetQRChannel returns the QR channel for pairing. Must be called before Connect.
func (a *Adapter) GetQRChannel(ctx context.Context) (<-chan whatsmeow.QRChannelItem, error) {
	if a.IsLoggedIn() {
		return nil, fmt.Errorf("already logged in")
	}
	ch, err := a.client.GetQRChannel(ctx)
	if err != nil {
		return nil, fmt.Errorf("get QR channel: %w", err)
	}
	return ch, nil
}

// GetContacts returns all contacts from the whatsmeow device store,
// shaped as directory records keyed by normalized JID.
func (a *Adapter) GetContacts(ctx context.Context) map[string]directory.Record {
	allContacts, err := a.client.Store.Contacts.GetAllContacts(ctx)
	if err != nil {
		a.logger.Warn("failed to get contacts from device store", zap.Error(err))
		return nil
	}
	records := make(map[string]directory.Record, len(allContacts))
	for jid, info := range allContacts {
		id := jid.ToNonAD().String()
		records[id] = directory.Record{
			Identifier:  id,
			DisplayName: info.FullName,
			PushName:    info.PushName,
		}
	}
	return records
}

// SelfJID returns the account's own JID without the device suffix, or
// empty string before pairing.
func (a *Adapter) SelfJID() string {
	if a.client == nil || a.client.Store == nil || a.client.Store.ID == nil {
		return ""
	}
	return a.client.Store.ID.ToNonAD().String()
}

// ResolveLID resolves a LID JID to its phone number JID using the device store mapping.
// Returns the original JID if it's not a LID or if resolution fails.
func (a *Adapter) ResolveLID(ctx context.Context, jid types.JID) types.JID {
	if jid.Server != types.HiddenUserServer && jid.Server != types.HostedLIDServer {
		return jid
	}
	if a.client == nil || a.client.Store == nil || a.client.Store.LIDs == nil {
		return jid
	}
	pn, err := a.client.Store.LIDs.GetPNForLID(ctx, jid)
	if err != nil || pn.IsEmpty() {
		return jid
	}
	return pn
}
