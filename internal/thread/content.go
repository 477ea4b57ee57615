package thread

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Roles recorded in a thread.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// DefaultImagePrompt is the text sent with an image that arrived without
// a caption.
const DefaultImagePrompt = "What is this image?"

// Block is one element of a multi-part turn.
type Block struct {
	Type   string       `json:"type"` // "text" or "image"
	Text   string       `json:"text,omitempty"`
	Source *ImageSource `json:"source,omitempty"`
}

// ImageSource carries inline image bytes.
type ImageSource struct {
	Type      string `json:"type"` // always "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// Content is the body of a turn. It is either a plain string or, when
// the turn carried images, an ordered block list. Plain content
// round-trips as a JSON string and block content as a JSON array.
type Content struct {
	Text   string
	Blocks []Block
}

// TextContent returns plain content.
func TextContent(s string) Content {
	return Content{Text: s}
}

// ImageContent builds a block list: one image block per image, then a
// text block. Empty text becomes [DefaultImagePrompt].
func ImageContent(text string, images []Image) Content {
	if len(images) == 0 {
		return TextContent(text)
	}
	if text == "" {
		text = DefaultImagePrompt
	}
	blocks := make([]Block, 0, len(images)+1)
	for _, img := range images {
		blocks = append(blocks, Block{
			Type: "image",
			Source: &ImageSource{
				Type:      "base64",
				MediaType: img.MediaType,
				Data:      base64.StdEncoding.EncodeToString(img.Data),
			},
		})
	}
	blocks = append(blocks, Block{Type: "text", Text: text})
	return Content{Blocks: blocks}
}

// Image is raw image data for [ImageContent].
type Image struct {
	Data      []byte
	MediaType string
}

// IsBlocks reports whether c is a block list.
func (c Content) IsBlocks() bool {
	return c.Blocks != nil
}

// PlainText returns the text of c. For block lists the text blocks are
// joined with newlines.
func (c Content) PlainText() string {
	if !c.IsBlocks() {
		return c.Text
	}
	var buf bytes.Buffer
	for _, b := range c.Blocks {
		if b.Type != "text" {
			continue
		}
		if buf.Len() > 0 {
			buf.WriteByte('\n')
		}
		buf.WriteString(b.Text)
	}
	return buf.String()
}

// Images decodes the image blocks of c. Blocks with undecodable data
// are skipped.
func (c Content) Images() []Image {
	var out []Image
	for _, b := range c.Blocks {
		if b.Type != "image" || b.Source == nil {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(b.Source.Data)
		if err != nil {
			continue
		}
		out = append(out, Image{Data: data, MediaType: b.Source.MediaType})
	}
	return out
}

// MarshalJSON implements [json.Marshaler].
func (c Content) MarshalJSON() ([]byte, error) {
	if c.IsBlocks() {
		return json.Marshal(c.Blocks)
	}
	return json.Marshal(c.Text)
}

// UnmarshalJSON implements [json.Unmarshaler].
func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty content")
	}
	switch data[0] {
	case '"':
		*c = Content{}
		return json.Unmarshal(data, &c.Text)
	case '[':
		var blocks []Block
		if err := json.Unmarshal(data, &blocks); err != nil {
			return err
		}
		if blocks == nil {
			blocks = []Block{}
		}
		*c = Content{Blocks: blocks}
		return nil
	default:
		return fmt.Errorf("content must be a string or a block list, got %q", data[:1])
	}
}
