package ai

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/askdoc/internal/config"
	appErr "github.com/xxxsen/askdoc/internal/pkg/errors"
)

func testChunker() *Chunker {
	return NewChunker(config.ChunkerConfig{
		TargetTokens: 800,
		MinTokens:    512,
		MaxTokens:    1024,
		OverlapRatio: 0.15,
	})
}

func makeParagraph(words int, tag string) string {
	parts := make([]string, 0, words)
	for i := 0; i < words; i++ {
		parts = append(parts, fmt.Sprintf("%s%04d", tag, i))
	}
	return strings.Join(parts, " ")
}

func TestChunkerRejectsEmptyInput(t *testing.T) {
	c := testChunker()
	_, err := c.Chunk(context.Background(), "")
	require.ErrorIs(t, err, appErr.ErrInvalid)
	_, err = c.Chunk(context.Background(), "   \n\n  \t ")
	require.ErrorIs(t, err, appErr.ErrInvalid)
}

func TestChunkerSmallDocumentSingleChunk(t *testing.T) {
	c := testChunker()
	text := makeParagraph(100, "w")
	chunks, err := c.Chunk(context.Background(), text)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.Equal(t, 0, chunks[0].Index)
	require.Equal(t, 100, chunks[0].TokenCount)
}

func TestChunkerTokenBoundsAndAccuracy(t *testing.T) {
	c := testChunker()
	paragraphs := make([]string, 0, 12)
	for i := 0; i < 12; i++ {
		paragraphs = append(paragraphs, makeParagraph(200, fmt.Sprintf("p%d", i)))
	}
	chunks, err := c.Chunk(context.Background(), strings.Join(paragraphs, "\n\n"))
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)

	for i, chunk := range chunks {
		require.Equal(t, CountTokens(chunk.Content), chunk.TokenCount)
		require.LessOrEqual(t, chunk.TokenCount, 1024)
		if i < len(chunks)-1 {
			require.GreaterOrEqual(t, chunk.TokenCount, 512)
		}
	}
}

func TestChunkerIndexSequential(t *testing.T) {
	c := testChunker()
	var paragraphs []string
	for i := 0; i < 8; i++ {
		paragraphs = append(paragraphs, makeParagraph(300, fmt.Sprintf("p%d", i)))
	}
	// An oversized paragraph in the middle forces the sentence-split path.
	var sentences []string
	for i := 0; i < 60; i++ {
		sentences = append(sentences, makeParagraph(25, fmt.Sprintf("s%d", i))+".")
	}
	paragraphs = append(paragraphs[:4], append([]string{strings.Join(sentences, " ")}, paragraphs[4:]...)...)

	chunks, err := c.Chunk(context.Background(), strings.Join(paragraphs, "\n\n"))
	require.NoError(t, err)
	for i, chunk := range chunks {
		require.Equal(t, i, chunk.Index)
	}
}

func TestChunkerOversizedParagraphSplitsOnSentences(t *testing.T) {
	c := testChunker()
	var sentences []string
	for i := 0; i < 50; i++ {
		sentences = append(sentences, makeParagraph(30, fmt.Sprintf("s%02d", i))+".")
	}
	text := strings.Join(sentences, " ")
	require.Greater(t, CountTokens(text), 1024)

	chunks, err := c.Chunk(context.Background(), text)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)
	for _, chunk := range chunks {
		require.LessOrEqual(t, chunk.TokenCount, 1024)
		require.Equal(t, CountTokens(chunk.Content), chunk.TokenCount)
	}
}

func TestChunkerOffsetsCoverDocument(t *testing.T) {
	c := testChunker()
	paragraphs := []string{
		makeParagraph(666, "a"),
		makeParagraph(666, "b"),
		makeParagraph(666, "c"),
	}
	text := strings.Join(paragraphs, "\n\n")
	chunks, err := c.Chunk(context.Background(), text)
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	for _, chunk := range chunks {
		require.GreaterOrEqual(t, chunk.EndChar, chunk.StartChar)
	}
	// Coverage without gaps: each chunk starts no later than the previous
	// chunk's end (overlap duplication is allowed).
	require.Equal(t, 0, chunks[0].StartChar)
	for i := 1; i < len(chunks); i++ {
		require.LessOrEqual(t, chunks[i].StartChar, chunks[i-1].EndChar)
	}
	require.Equal(t, len(text), chunks[len(chunks)-1].EndChar)
}

func TestChunkerSentenceOverlapOffsets(t *testing.T) {
	c := testChunker()
	var sentences []string
	for i := 0; i < 50; i++ {
		sentences = append(sentences, makeParagraph(30, fmt.Sprintf("s%02d", i))+".")
	}
	text := strings.Join(sentences, " ")
	require.Greater(t, CountTokens(text), 1024)

	chunks, err := c.Chunk(context.Background(), text)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)

	// Offsets cover exactly the chunk's own content, including sentences
	// retained as overlap from the previous flush.
	for _, chunk := range chunks {
		require.GreaterOrEqual(t, chunk.StartChar, 0)
		require.LessOrEqual(t, chunk.EndChar, len(text))
		span := strings.TrimRight(text[chunk.StartChar:chunk.EndChar], " ")
		require.Equal(t, chunk.Content, span)
	}
	require.Equal(t, len(text), chunks[len(chunks)-1].EndChar)
}

func TestCountTokensDeterministic(t *testing.T) {
	samples := []string{
		"hello world",
		"单个中文字符也计数",
		"mixed 内容 with spaces",
		"x",
	}
	for _, s := range samples {
		require.Equal(t, CountTokens(s), CountTokens(s))
		require.Greater(t, CountTokens(s), 0)
	}
	require.Equal(t, 0, CountTokens(""))
}
