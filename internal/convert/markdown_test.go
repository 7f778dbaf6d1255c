package convert

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarkdownToTextStripsFormatting(t *testing.T) {
	input := "# Title\n\nSome **bold** and *italic* text with `code`.\n\n- item one\n- item two\n"
	out := MarkdownToText(input)
	require.NotContains(t, out, "#")
	require.NotContains(t, out, "**")
	require.Contains(t, out, "Title")
	require.Contains(t, out, "Some bold and italic text with code.")
	require.Contains(t, out, "item one\nitem two")
}

func TestMarkdownToTextKeepsBlockBoundaries(t *testing.T) {
	input := "First paragraph.\n\nSecond paragraph.\n\n## Heading\n\nThird paragraph."
	out := MarkdownToText(input)
	blocks := strings.Split(out, "\n\n")
	require.Len(t, blocks, 4)
	require.Equal(t, "First paragraph.", blocks[0])
	require.Equal(t, "Heading", blocks[2])
}

func TestMarkdownToTextKeepsCodeContent(t *testing.T) {
	input := "Intro.\n\n```go\nfunc main() {}\n```\n"
	out := MarkdownToText(input)
	require.Contains(t, out, "func main() {}")
	require.NotContains(t, out, "```")
}

func TestMarkdownToTextPlainInputUnchanged(t *testing.T) {
	input := "Just a plain paragraph.\n\nAnd another one."
	require.Equal(t, input, MarkdownToText(input))
}
