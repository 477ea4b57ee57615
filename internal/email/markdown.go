package email

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

var md = goldmark.New(goldmark.WithExtensions(extension.Table, extension.Strikethrough, extension.Linkify))

const htmlShell = `<!DOCTYPE html>
<html><head><meta charset="utf-8"></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5;">
%s</body></html>`

// renderBody parses a markdown reply once and renders both email
// alternatives from it.
func renderBody(src string) (plain, html string, err error) {
	source := []byte(src)
	doc := md.Parser().Parse(text.NewReader(source))

	var buf bytes.Buffer
	if err := md.Renderer().Render(&buf, source, doc); err != nil {
		return "", "", fmt.Errorf("render html: %w", err)
	}
	return plainText(doc, source), fmt.Sprintf(htmlShell, buf.String()), nil
}

// plainText flattens a parsed document for the text/plain part. Blocks
// are separated by a blank line, list items keep a marker, and links
// keep their target in parentheses.
func plainText(doc ast.Node, src []byte) string {
	var b bytes.Buffer
	sep := func(s string) {
		if b.Len() == 0 {
			return
		}
		b.Truncate(len(bytes.TrimRight(b.Bytes(), "\n")))
		b.WriteString(s)
	}

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch n := n.(type) {
		case *ast.Paragraph, *ast.Heading:
			switch {
			case !entering:
			case !inListItem(n):
				sep("\n\n")
			case n.PreviousSibling() != nil:
				sep("\n")
			}
		case *ast.List:
			if entering {
				if inListItem(n) {
					sep("\n")
				} else {
					sep("\n\n")
				}
			}
		case *ast.ListItem:
			if entering {
				if n.PreviousSibling() != nil {
					sep("\n")
				}
				b.WriteString(strings.Repeat("  ", listDepth(n)-1))
				b.WriteString(itemMarker(n))
			}
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			if entering {
				sep("\n\n")
				lines := n.Lines()
				for i := 0; i < lines.Len(); i++ {
					seg := lines.At(i)
					b.Write(seg.Value(src))
				}
			}
			return ast.WalkSkipChildren, nil
		case *ast.ThematicBreak:
			if entering {
				sep("\n\n")
				b.WriteString("---")
			}
		case *east.TableRow, *east.TableHeader:
			if entering {
				if n.PreviousSibling() == nil {
					sep("\n\n")
				} else {
					sep("\n")
				}
			}
		case *east.TableCell:
			if !entering && n.NextSibling() != nil {
				b.WriteString(" | ")
			}
		case *ast.Text:
			if entering {
				b.Write(n.Segment.Value(src))
				if n.SoftLineBreak() || n.HardLineBreak() {
					b.WriteByte('\n')
				}
			}
		case *ast.String:
			if entering {
				b.Write(n.Value)
			}
		case *ast.AutoLink:
			if entering {
				b.Write(n.URL(src))
			}
			return ast.WalkSkipChildren, nil
		case *ast.Link:
			if !entering && string(n.Destination) != string(n.Text(src)) {
				fmt.Fprintf(&b, " (%s)", n.Destination)
			}
		case *ast.RawHTML, *ast.HTMLBlock:
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(b.String())
}

func inListItem(n ast.Node) bool {
	_, ok := n.Parent().(*ast.ListItem)
	return ok
}

func listDepth(n ast.Node) int {
	d := 0
	for p := n.Parent(); p != nil; p = p.Parent() {
		if _, ok := p.(*ast.List); ok {
			d++
		}
	}
	return d
}

func itemMarker(item *ast.ListItem) string {
	list, ok := item.Parent().(*ast.List)
	if !ok || !list.IsOrdered() {
		return "- "
	}
	i := list.Start
	for s := item.PreviousSibling(); s != nil; s = s.PreviousSibling() {
		i++
	}
	return fmt.Sprintf("%d. ", i)
}
