package transport

import "context"

// MediaKind enumerates the media attachments a broadcast message may carry.
type MediaKind string

const (
	MediaPhoto    MediaKind = "photo"
	MediaVideo    MediaKind = "video"
	MediaDocument MediaKind = "document"
)

// Media references an already-uploaded platform asset by opaque handle.
type Media struct {
	Kind MediaKind `json:"kind"`
	Ref  string    `json:"ref"`
}

// Button is one inline button. Exactly one of URL / CallbackData should be set.
type Button struct {
	Label        string `json:"label"`
	URL          string `json:"url,omitempty"`
	CallbackData string `json:"callback_data,omitempty"`
}

// Outgoing is a fully prepared message: text plus optional media and buttons.
// The same Outgoing is delivered to every recipient of a campaign.
type Outgoing struct {
	Text    string
	Media   *Media
	Buttons [][]Button

	ParseMode      string
	DisablePreview bool
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

// Update is one inbound event from the platform. Only plain text messages
// are forwarded; the operator command surface needs nothing else.
type Update struct {
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
}

// Sender delivers one Outgoing to one recipient.
//
// Implementations classify platform failures with Permanent / RetryAfter
// from this package; any unwrapped error is treated as transient by callers.
type Sender interface {
	Send(ctx context.Context, recipient int64, msg Outgoing) error
}

// Operator is the side channel used for progress snapshots and reports.
type Operator interface {
	SendText(ctx context.Context, chatID int64, text string) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string) error
}
