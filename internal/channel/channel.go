// Package channel defines the transport-neutral message shape that every
// listener produces and the reply contract every listener must honour.
package channel

import (
	"context"
	"strings"
)

// Kind identifies the transport a message arrived on.
type Kind string

const (
	Signal Kind = "signal"
	Email  Kind = "email"
	CLI    Kind = "cli"
)

// Attachment is binary content carried with a message. Only image media
// types survive normalization.
type Attachment struct {
	Data      []byte
	MediaType string
}

// IsImage reports whether the attachment has an image/* media type.
func (a Attachment) IsImage() bool {
	return strings.HasPrefix(strings.ToLower(a.MediaType), "image/")
}

// SendResult describes an outbound delivery. ID is the transport's
// identifier for the sent message, or zero when the transport has none.
type SendResult struct {
	ID int64
}

// Replier delivers the reply for one inbound message. Send is called at
// most once per message.
type Replier interface {
	Send(ctx context.Context, text string) (SendResult, error)
}

// ReplierFunc adapts a function to [Replier].
type ReplierFunc func(ctx context.Context, text string) (SendResult, error)

// Send calls f.
func (f ReplierFunc) Send(ctx context.Context, text string) (SendResult, error) {
	return f(ctx, text)
}

// Message is a normalized inbound message. ThreadID is fixed before the
// message reaches a [Handler].
type Message struct {
	Channel     Kind
	Sender      string
	Text        string
	ThreadID    string
	Attachments []Attachment

	// QuoteRef is the transport id of the message this one quotes, if
	// any.
	QuoteRef *int64

	// ID is the transport's id for this inbound message (Signal
	// timestamp), or zero.
	ID int64

	Reply Replier
}

// Images returns the image attachments of m.
func (m *Message) Images() []Attachment {
	var out []Attachment
	for _, a := range m.Attachments {
		if a.IsImage() {
			out = append(out, a)
		}
	}
	return out
}

// Handler processes one dispatchable message to completion, including
// its reply.
type Handler interface {
	Handle(ctx context.Context, msg *Message)
}

// Dispatcher accepts messages from listeners. Dispatch must not block
// on the exchange itself, so listeners can keep reading their
// transport.
type Dispatcher interface {
	Dispatch(msg *Message)
}
