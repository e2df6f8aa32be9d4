package provider

import "context"

// EventType names a connectivity change reported by a Transport.
type EventType string

const (
	EventQRChallenge  EventType = "qr"
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
)

// Event is one connectivity change. QRCode is set for EventQRChallenge;
// Reason and LoggedOut describe an EventDisconnected.
type Event struct {
	Type      EventType
	QRCode    string
	Reason    string
	LoggedOut bool
}

// Message is the payload of one send. AttachmentPath, when set, names a file
// that is sent as an image with Text as its caption.
type Message struct {
	Text           string
	AttachmentPath string
}

// Transport is the chat-session port the dispatcher drives. Recipients are
// bare international numbers (digits only); the transport maps them to its
// own addressing scheme.
type Transport interface {
	Connect(ctx context.Context, credentialsDir string) error
	Events() <-chan Event
	IsValidRecipient(ctx context.Context, number string) (bool, error)
	Send(ctx context.Context, number string, msg Message) error
	Close() error
}
