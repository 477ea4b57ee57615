// Package signal connects Occam to a signal-cli-rest-api gateway. The
// owner talks to the assistant through "Note to Self": messages the
// owner sends to their own number arrive as sync messages, and replies
// are sent back to the same number.
package signal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Envelope is the top-level structure pushed by the gateway for each
// received event. At most one of the message-type fields is non-nil.
type Envelope struct {
	Source       string `json:"source"`
	SourceNumber string `json:"sourceNumber"`
	SourceName   string `json:"sourceName"`
	SourceDevice int    `json:"sourceDevice"`
	Timestamp    int64  `json:"timestamp"`

	DataMessage    *DataMessage    `json:"dataMessage,omitempty"`
	SyncMessage    *SyncMessage    `json:"syncMessage,omitempty"`
	TypingMessage  *TypingMessage  `json:"typingMessage,omitempty"`
	ReceiptMessage *ReceiptMessage `json:"receiptMessage,omitempty"`
}

// DataMessage is a message from another user to this account. Occam
// never dispatches these.
type DataMessage struct {
	Timestamp int64      `json:"timestamp"`
	Message   string     `json:"message"`
	GroupInfo *GroupInfo `json:"groupInfo,omitempty"`
}

// SyncMessage carries events mirrored from the owner's other devices.
type SyncMessage struct {
	SentMessage *SentMessage `json:"sentMessage,omitempty"`
}

// SentMessage is a message the owner sent from another device. When
// DestinationNumber is the owner's own number it is a Note to Self.
type SentMessage struct {
	Destination       string       `json:"destination"`
	DestinationNumber string       `json:"destinationNumber"`
	Timestamp         int64        `json:"timestamp"`
	Message           string       `json:"message"`
	GroupInfo         *GroupInfo   `json:"groupInfo,omitempty"`
	GroupID           string       `json:"groupId,omitempty"`
	Attachments       []Attachment `json:"attachments,omitempty"`
	Quote             *Quote       `json:"quote,omitempty"`
}

// Quote references an earlier message by its timestamp.
type Quote struct {
	ID     int64  `json:"id"`
	Author string `json:"author"`
	Text   string `json:"text"`
}

// Attachment describes a file stored by the gateway. ID is the handle
// for GET /v1/attachments/{id}.
type Attachment struct {
	ContentType string `json:"contentType"`
	Filename    string `json:"filename,omitempty"`
	ID          string `json:"id"`
	Size        int64  `json:"size"`
}

// GroupInfo identifies the group a message was sent to.
type GroupInfo struct {
	GroupID string `json:"groupId"`
	Type    string `json:"type"`
}

// TypingMessage indicates that a contact started or stopped typing.
type TypingMessage struct {
	Action    string `json:"action"`
	Timestamp int64  `json:"timestamp"`
}

// ReceiptMessage is a delivery, read, or viewed receipt.
type ReceiptMessage struct {
	When       int64   `json:"when"`
	IsDelivery bool    `json:"isDelivery"`
	IsRead     bool    `json:"isRead"`
	Timestamps []int64 `json:"timestamps"`
}

// frame is one websocket text message from /v1/receive.
type frame struct {
	Envelope Envelope `json:"envelope"`
	Account  string   `json:"account"`
}

// sendRequest is the body of POST /v2/send.
type sendRequest struct {
	Message        string   `json:"message"`
	Number         string   `json:"number"`
	Recipients     []string `json:"recipients"`
	NotifySelf     bool     `json:"notify_self"`
	TextMode       string   `json:"text_mode,omitempty"`
	QuoteTimestamp int64    `json:"quote_timestamp,omitempty"`
	QuoteAuthor    string   `json:"quote_author,omitempty"`
	QuoteMessage   string   `json:"quote_message,omitempty"`
}

// sendResponse is the body returned by POST /v2/send.
type sendResponse struct {
	Timestamp flexInt64 `json:"timestamp"`
}

// receiptRequest is the body of POST /v1/receipts/{number}.
type receiptRequest struct {
	ReceiptType string `json:"receipt_type"`
	Recipient   string `json:"recipient"`
	Timestamp   int64  `json:"timestamp"`
}

// flexInt64 decodes an integer sent either as a JSON number or as a
// decimal string. Gateway versions disagree on the send timestamp.
type flexInt64 int64

func (f *flexInt64) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = 0
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("parse timestamp %q: %w", s, err)
		}
		*f = flexInt64(n)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexInt64(n)
	return nil
}
