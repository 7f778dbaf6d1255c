package convert

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// MarkdownToText strips markdown structure and returns plain text with block
// elements separated by blank lines, so a paragraph-based splitter sees the
// same boundaries the author wrote.
func MarkdownToText(markdown string) string {
	md := goldmark.New()
	source := []byte(markdown)
	reader := text.NewReader(source)
	doc := md.Parser().Parse(reader)

	var blocks []string
	for node := doc.FirstChild(); node != nil; node = node.NextSibling() {
		block := renderBlock(node, source)
		if strings.TrimSpace(block) == "" {
			continue
		}
		blocks = append(blocks, strings.TrimSpace(block))
	}
	return strings.Join(blocks, "\n\n")
}

func renderBlock(node ast.Node, source []byte) string {
	switch n := node.(type) {
	case *ast.FencedCodeBlock, *ast.CodeBlock:
		return renderLines(n, source)
	case *ast.List:
		var items []string
		for item := node.FirstChild(); item != nil; item = item.NextSibling() {
			itemText := collectText(item, source)
			if itemText != "" {
				items = append(items, itemText)
			}
		}
		return strings.Join(items, "\n")
	case *ast.Blockquote:
		var parts []string
		for child := node.FirstChild(); child != nil; child = child.NextSibling() {
			parts = append(parts, renderBlock(child, source))
		}
		return strings.Join(parts, "\n")
	case *ast.ThematicBreak:
		return ""
	default:
		return collectText(node, source)
	}
}

func renderLines(node ast.Node, source []byte) string {
	var sb strings.Builder
	lines := node.Lines()
	for i := 0; i < lines.Len(); i++ {
		line := lines.At(i)
		sb.Write(line.Value(source))
	}
	return sb.String()
}

func collectText(node ast.Node, source []byte) string {
	var sb strings.Builder
	_ = ast.Walk(node, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := n.(type) {
		case *ast.Text:
			sb.Write(t.Segment.Value(source))
			if t.SoftLineBreak() || t.HardLineBreak() {
				sb.WriteByte(' ')
			}
		case *ast.CodeSpan:
			// inline code keeps its literal text via child Text nodes
		case *ast.AutoLink:
			sb.Write(t.URL(source))
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return sb.String()
}
