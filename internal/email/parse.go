package email

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"golang.org/x/net/html"
)

// maxBodySize bounds the text taken from a single body part.
const maxBodySize = 32 * 1024

// parseBody walks the MIME structure of r, filling msg's bodies and
// References. Header fields the IMAP envelope lacked are filled from
// the raw header.
//
// go-message returns a usable reader together with an error for an
// unknown charset or transfer encoding; those are logged and parsing
// continues.
func parseBody(msg *Message, r io.Reader, logger *slog.Logger) error {
	mr, err := mail.CreateReader(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return fmt.Errorf("create mail reader: %w", err)
	}
	if mr == nil {
		return fmt.Errorf("create mail reader: %w", err)
	}
	if err != nil {
		logger.Debug("mail reader charset warning", "error", err)
	}

	if v := strings.ToLower(strings.TrimSpace(mr.Header.Get("Auto-Submitted"))); v != "" && v != "no" {
		msg.AutoSubmitted = true
	}
	if refs, err := mr.Header.MsgIDList("References"); err == nil && len(refs) > 0 {
		msg.References = refs
	}
	if msg.FromAddr == "" {
		if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
			msg.FromName = from[0].Name
			msg.FromAddr = from[0].Address
		}
	}
	if msg.Subject == "" {
		if subj, err := mr.Header.Subject(); err == nil {
			msg.Subject = subj
		}
	}
	if msg.MessageID == "" {
		if id, err := mr.Header.MessageID(); err == nil {
			msg.MessageID = id
		}
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return fmt.Errorf("next part: %w", err)
		}
		if part == nil {
			continue
		}

		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()

		switch {
		case contentType == "text/plain" && msg.TextBody == "":
			msg.TextBody = readPart(part.Body, logger)
		case contentType == "text/html" && msg.HTMLBody == "":
			msg.HTMLBody = readPart(part.Body, logger)
		}
	}
	return nil
}

func readPart(r io.Reader, logger *slog.Logger) string {
	body, err := io.ReadAll(io.LimitReader(r, maxBodySize+1))
	if err != nil {
		logger.Debug("error reading body part", "error", err)
		return ""
	}
	text := string(body)
	if len(body) > maxBodySize {
		text = text[:maxBodySize] + "\n\n[truncated: message exceeds 32KB]"
	}
	return strings.TrimSpace(text)
}

// Body returns the plain text body, falling back to the visible text
// of the HTML part when the message has no text/plain part.
func (m *Message) Body() string {
	if m.TextBody != "" || m.HTMLBody == "" {
		return m.TextBody
	}
	return htmlToText(m.HTMLBody)
}

// htmlToText extracts visible text from an HTML fragment, one line per
// block-level element.
func htmlToText(s string) string {
	doc, err := html.Parse(strings.NewReader(s))
	if err != nil {
		return s
	}

	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			if t := strings.Join(strings.Fields(n.Data), " "); t != "" {
				if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
					b.WriteByte(' ')
				}
				b.WriteString(t)
			}
			return
		case html.ElementNode:
			switch n.Data {
			case "script", "style", "head":
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode {
			switch n.Data {
			case "p", "div", "br", "li", "tr", "h1", "h2", "h3", "h4", "h5", "h6":
				if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
					b.WriteByte('\n')
				}
			}
		}
	}
	walk(doc)
	return strings.TrimSpace(b.String())
}
