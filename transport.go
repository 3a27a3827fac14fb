package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mdp/qrterminal"
	"golang.org/x/time/rate"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/binary/proto"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

// waTransport adapts a whatsmeow client to the MessagingClient capability.
// It owns JID parsing, outbound rate limiting, the QR pairing loop and the
// translation of whatsmeow events into supervisor callbacks.
type waTransport struct {
	client    *whatsmeow.Client
	container *sqlstore.Container
	limiter   *rate.Limiter
	logger    waLog.Logger
	onQR      func(code string)
}

func newWATransport(client *whatsmeow.Client, container *sqlstore.Container, logger waLog.Logger) *waTransport {
	return &waTransport{
		client:    client,
		container: container,
		limiter:   rate.NewLimiter(rate.Every(time.Second), 5),
		logger:    logger,
	}
}

// BindEvents routes whatsmeow events into the supervisor. Handler panics
// are recovered and logged; a fault in one event must not take the process
// down.
func (t *waTransport) BindEvents(s *SessionSupervisor) {
	t.onQR = s.SetPendingQR
	t.client.AddEventHandler(func(evt interface{}) {
		defer func() {
			if r := recover(); r != nil {
				t.logger.Errorf("⚠️ Recovered from event handler panic: %v", r)
			}
		}()
		switch v := evt.(type) {
		case *events.Message:
			s.HandleMessage(v.Info.Chat.String(), extractText(v.Message), v.Info.IsFromMe)
		case *events.Connected:
			s.HandleConnected()
		case *events.Disconnected:
			t.logger.Warnf("⚠️ Disconnected from WhatsApp")
			go s.HandleDisconnected(false)
		case *events.StreamError:
			t.logger.Errorf("❌ Stream error: %v", v)
			go s.HandleDisconnected(false)
		case *events.LoggedOut:
			go s.HandleDisconnected(true)
		case *events.StreamReplaced:
			t.logger.Warnf("⚠️ Stream replaced - another device took over this session")
		case *events.TemporaryBan:
			t.logger.Errorf("❌ Temporary ban from WhatsApp. Code: %s, Expire: %v", v.Code, v.Expire)
			s.StopRetrying()
		case *events.CallOffer:
			s.HandleCall(v.BasicCallMeta.From.String(), v.BasicCallMeta.CallID)
		}
	})
}

// Connect opens the websocket. A device without stored credentials goes
// through the QR pairing flow first.
func (t *waTransport) Connect() error {
	if t.client.Store.ID == nil {
		return t.connectWithPairing()
	}
	return t.client.Connect()
}

func (t *waTransport) connectWithPairing() error {
	qrChan, err := t.client.GetQRChannel(context.Background())
	if err != nil {
		return err
	}
	if err := t.client.Connect(); err != nil {
		return err
	}
	go t.consumeQR(qrChan)
	return nil
}

// consumeQR renders each pairing code to the terminal and publishes it for
// the /qr endpoints. Expired batches restart the pairing flow with a fresh
// channel.
func (t *waTransport) consumeQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for evt := range qrChan {
		switch evt.Event {
		case "code":
			fmt.Println("\nScan this QR code with your WhatsApp app:")
			qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, os.Stdout)
			if t.onQR != nil {
				t.onQR(evt.Code)
			}
		case "success":
			t.logger.Infof("✅ QR code authentication successful")
			if t.onQR != nil {
				t.onQR("")
			}
			return
		case "timeout":
			t.logger.Infof("QR code batch expired, regenerating new codes...")
			if t.onQR != nil {
				t.onQR("")
			}
			t.client.Disconnect()
			time.Sleep(2 * time.Second)
			if err := t.connectWithPairing(); err != nil {
				t.logger.Errorf("Failed to restart pairing: %v", err)
			}
			return
		}
	}
}

func (t *waTransport) Disconnect() {
	t.client.Disconnect()
}

func (t *waTransport) IsConnected() bool {
	return t.client.IsConnected()
}

func (t *waTransport) IsLoggedIn() bool {
	return t.client.IsLoggedIn()
}

// SendText delivers a plain text message. Sends are rate limited and
// bounded by a timeout to prevent indefinite hangs.
func (t *waTransport) SendText(ctx context.Context, recipient, text string) error {
	if !t.client.IsConnected() {
		return fmt.Errorf("not connected to WhatsApp")
	}
	jid, err := parseRecipientJID(recipient)
	if err != nil {
		return err
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	_, err = t.client.SendMessage(sendCtx, jid, &waProto.Message{Conversation: proto.String(text)})
	if err != nil && sendCtx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("timeout sending message to WhatsApp")
	}
	return err
}

func (t *waTransport) SendPresence() error {
	return t.client.SendPresence(types.PresenceAvailable)
}

func (t *waTransport) RejectCall(from, callID string) error {
	jid, err := types.ParseJID(from)
	if err != nil {
		return fmt.Errorf("error parsing caller JID: %v", err)
	}
	return t.client.RejectCall(jid, callID)
}

// ResetCredentials discards the stored device so the next connect runs a
// fresh pairing. Required after a logout because the device record remains
// set in the store.
func (t *waTransport) ResetCredentials(ctx context.Context) error {
	t.client.Disconnect()
	if err := t.client.Store.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete device from store: %v", err)
	}
	return nil
}

// parseRecipientJID accepts either a full JID or a bare phone number.
// WhatsApp expects numbers without the + prefix.
func parseRecipientJID(recipient string) (types.JID, error) {
	if strings.Contains(recipient, "@") {
		jid, err := types.ParseJID(recipient)
		if err != nil {
			return types.JID{}, fmt.Errorf("error parsing JID: %v", err)
		}
		return jid, nil
	}
	return types.JID{
		User:   strings.TrimPrefix(recipient, "+"),
		Server: "s.whatsapp.net",
	}, nil
}

// extractText normalizes the two text-bearing message shapes the bot
// accepts into a single string; anything else yields "".
func extractText(msg *waProto.Message) string {
	if msg == nil {
		return ""
	}
	if text := msg.GetConversation(); text != "" {
		return text
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	return ""
}
