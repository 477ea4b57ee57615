package email

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

// ReplyOptions describes a reply to an inbound message. Body is
// markdown.
type ReplyOptions struct {
	From string
	To   *Message
	Body string
}

// ComposeReply builds the RFC 5322 reply to opts.To: a
// multipart/alternative message whose text and HTML parts both come
// from the markdown body, threaded under the original.
func ComposeReply(opts ReplyOptions) ([]byte, error) {
	h, err := replyHeader(opts.From, opts.To)
	if err != nil {
		return nil, err
	}
	plain, html, err := renderBody(opts.Body)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := writeAlternative(&buf, h, plain, html); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func replyHeader(from string, orig *Message) (mail.Header, error) {
	var h mail.Header
	if orig == nil || orig.FromAddr == "" {
		return h, errors.New("reply has no recipient")
	}
	sender, err := mail.ParseAddress(from)
	if err != nil {
		return h, fmt.Errorf("from address %q: %w", from, err)
	}
	if err := h.GenerateMessageID(); err != nil {
		return h, fmt.Errorf("message-id: %w", err)
	}

	h.SetDate(time.Now())
	h.SetSubject(replySubject(orig.Subject))
	h.SetAddressList("From", []*mail.Address{sender})
	h.SetAddressList("To", []*mail.Address{{Name: orig.FromName, Address: orig.FromAddr}})
	// RFC 3834: keeps vacation responders from answering the assistant.
	h.Set("Auto-Submitted", "auto-replied")

	if orig.MessageID != "" {
		refs := make([]string, 0, len(orig.References)+1)
		refs = append(refs, orig.References...)
		h.SetMsgIDList("In-Reply-To", []string{orig.MessageID})
		h.SetMsgIDList("References", append(refs, orig.MessageID))
	}
	return h, nil
}

func writeAlternative(w io.Writer, h mail.Header, plain, html string) error {
	mw, err := mail.CreateWriter(w, h)
	if err != nil {
		return fmt.Errorf("mail writer: %w", err)
	}
	alt, err := mw.CreateInline()
	if err != nil {
		return fmt.Errorf("alternative writer: %w", err)
	}
	for _, p := range []struct{ ctype, body string }{
		{"text/plain; charset=utf-8", plain},
		{"text/html; charset=utf-8", html},
	} {
		var ph mail.InlineHeader
		ph.Set("Content-Type", p.ctype)
		pw, err := alt.CreatePart(ph)
		if err != nil {
			return fmt.Errorf("%s part: %w", p.ctype, err)
		}
		if _, err := io.WriteString(pw, p.body); err != nil {
			return fmt.Errorf("%s part: %w", p.ctype, err)
		}
		if err := pw.Close(); err != nil {
			return err
		}
	}
	if err := alt.Close(); err != nil {
		return err
	}
	return mw.Close()
}

// replySubject adds "Re: " unless the subject already starts with it in
// any case.
func replySubject(subject string) string {
	switch {
	case subject == "":
		return "Re: " + noSubject
	case len(subject) >= 3 && strings.EqualFold(subject[:3], "re:"):
		return subject
	}
	return "Re: " + subject
}
