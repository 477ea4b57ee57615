package email

import (
	"strings"
	"testing"
)

func TestRenderBody_Plain(t *testing.T) {
	tests := []struct {
		name string
		md   string
		want string
	}{
		{"emphasis", "This is **bold** and *italic* and ~~gone~~", "This is bold and italic and gone"},
		{"link", "Visit [Example](https://example.com) now", "Visit Example (https://example.com) now"},
		{"bare url", "See https://go.dev for more", "See https://go.dev for more"},
		{"heading", "## Section Title\n\nSome text", "Section Title\n\nSome text"},
		{"inline code", "Use the `fmt.Println` function", "Use the fmt.Println function"},
		{"code block", "Before\n```go\nfmt.Println(\"hello\")\n```\nAfter", "Before\n\nfmt.Println(\"hello\")\n\nAfter"},
		{"image", "See ![alt text](https://example.com/img.png) here", "See alt text here"},
		{"bullets", "- item one\n- item two\n- item three", "- item one\n- item two\n- item three"},
		{"ordered", "Steps:\n\n3. three\n4. four", "Steps:\n\n3. three\n4. four"},
		{"nested", "- outer\n  - inner\n- next", "- outer\n  - inner\n- next"},
		{"soft breaks", "line one\nline two", "line one\nline two"},
		{
			"confirmation block",
			"Booked.\n\n---\nEvent Created\nTitle: Dentist",
			"Booked.\n\n---\n\nEvent Created\nTitle: Dentist",
		},
		{"table", "| a | b |\n|---|---|\n| 1 | 2 |", "a | b\n1 | 2"},
		{"raw html dropped", "hello <span>there</span>", "hello there"},
		{"plain", "Just some regular text.", "Just some regular text."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _, err := renderBody(tt.md)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("plain(%q) =\n  %q\nwant\n  %q", tt.md, got, tt.want)
			}
		})
	}
}

func TestRenderBody_HTML(t *testing.T) {
	_, html, err := renderBody("Hello **world**\n\n| a |\n|---|\n| 1 |")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"<!DOCTYPE html>", `charset="utf-8"`, "<strong>world</strong>", "<table>"} {
		if !strings.Contains(html, want) {
			t.Errorf("html missing %q:\n%s", want, html)
		}
	}
}

func TestComposeReply(t *testing.T) {
	orig := &Message{
		FromName:   "Ann Example",
		FromAddr:   "ann@example.com",
		Subject:    "Lunch",
		MessageID:  "abc123@example.com",
		References: []string{"root@example.com"},
	}
	msg, err := ComposeReply(ReplyOptions{
		From: "Occam <occam@example.com>",
		To:   orig,
		Body: "Hello **world**",
	})
	if err != nil {
		t.Fatalf("ComposeReply: %v", err)
	}
	s := string(msg)

	for _, want := range []string{
		"Subject: Re: Lunch",
		"ann@example.com",
		"occam@example.com",
		"In-Reply-To: <abc123@example.com>",
		"<root@example.com> <abc123@example.com>",
		"Message-Id:",
		"Auto-Submitted: auto-replied",
		"multipart/alternative",
		"text/plain",
		"text/html",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("reply missing %q:\n%s", want, s[:min(len(s), 800)])
		}
	}
}

func TestComposeReply_NoMessageID(t *testing.T) {
	msg, err := ComposeReply(ReplyOptions{
		From: "occam@example.com",
		To:   &Message{FromAddr: "ann@example.com"},
		Body: "hi",
	})
	if err != nil {
		t.Fatalf("ComposeReply: %v", err)
	}
	s := string(msg)
	if strings.Contains(s, "In-Reply-To:") {
		t.Error("reply without a parent Message-ID should not set In-Reply-To")
	}
	if !strings.Contains(s, "Subject: Re: (no subject)") {
		t.Errorf("subject missing default:\n%s", s[:min(len(s), 400)])
	}
}

func TestComposeReply_Errors(t *testing.T) {
	if _, err := ComposeReply(ReplyOptions{From: "not-an-email", To: &Message{FromAddr: "a@b.c"}}); err == nil {
		t.Error("invalid From should fail")
	}
	if _, err := ComposeReply(ReplyOptions{From: "a@b.c", To: &Message{}}); err == nil {
		t.Error("missing recipient should fail")
	}
}

func TestReplySubject(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Lunch", "Re: Lunch"},
		{"Re: Lunch", "Re: Lunch"},
		{"RE: Lunch", "RE: Lunch"},
		{"", "Re: (no subject)"},
		{"Regarding lunch", "Re: Regarding lunch"},
	}
	for _, tt := range tests {
		if got := replySubject(tt.in); got != tt.want {
			t.Errorf("replySubject(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
