// Package email is Occam's mail channel. It polls an IMAP inbox for
// unseen messages from allowed senders, turns each into a
// [channel.Message] on its own thread, and delivers the reply either
// through the chat transport or as an SMTP reply to the sender.
package email

import (
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-imap/v2"
)

// Message is a fetched inbound email.
type Message struct {
	// UID is the IMAP unique identifier within INBOX.
	UID uint32

	Date     time.Time
	FromName string
	FromAddr string
	Subject  string

	// MessageID is the Message-ID header value (without angle brackets).
	MessageID string

	// References is the References chain, used to thread SMTP replies.
	References []string

	// AutoSubmitted is set when an Auto-Submitted header other than
	// "no" is present (RFC 3834). Such mail is never answered.
	AutoSubmitted bool

	// TextBody is the first text/plain part, trimmed.
	TextBody string

	// HTMLBody is the first text/html part. Only used when a message
	// has no plain text part.
	HTMLBody string
}

// drainLiteral discards an IMAP literal so the stream stays in sync.
func drainLiteral(r imap.LiteralReader) {
	if r == nil {
		return
	}
	_, _ = io.Copy(io.Discard, r)
}

// formatAddress formats an address as "Name <user@host>" or just
// "user@host" when no name is set.
func formatAddress(name, addr string) string {
	if name != "" {
		return fmt.Sprintf("%s <%s>", name, addr)
	}
	return addr
}
