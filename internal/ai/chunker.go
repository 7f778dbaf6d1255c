package ai

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/askdoc/internal/config"
	"github.com/xxxsen/askdoc/internal/model"
	appErr "github.com/xxxsen/askdoc/internal/pkg/errors"
)

// Chunker splits document text into token-bounded windows with overlap.
// Paragraphs are the primary unit; a paragraph that alone exceeds the
// maximum window is re-split on sentence boundaries.
type Chunker struct {
	targetTokens int
	minTokens    int
	maxTokens    int
	overlapRatio float64
}

func NewChunker(cfg config.ChunkerConfig) *Chunker {
	return &Chunker{
		targetTokens: cfg.TargetTokens,
		minTokens:    cfg.MinTokens,
		maxTokens:    cfg.MaxTokens,
		overlapRatio: cfg.OverlapRatio,
	}
}

func (c *Chunker) Chunk(ctx context.Context, text string) ([]*model.Chunk, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: document is empty", appErr.ErrInvalid)
	}
	logger := logutil.GetLogger(ctx)

	var chunks []*model.Chunk
	overlapTokens := int(float64(c.targetTokens) * c.overlapRatio)

	paragraphs := strings.Split(text, "\n\n")

	var currentTexts []string
	currentTokens := 0
	currentStart := 0
	charPosition := 0

	flush := func() {
		if len(currentTexts) == 0 {
			return
		}
		content := strings.Join(currentTexts, "\n\n")
		// charPosition counts a trailing separator the last paragraph
		// does not have.
		end := charPosition
		if end > len(text) {
			end = len(text)
		}
		chunks = append(chunks, &model.Chunk{
			Index:      len(chunks),
			Content:    content,
			TokenCount: CountTokens(content),
			StartChar:  currentStart,
			EndChar:    end,
		})
	}

	for _, para := range paragraphs {
		paraTokens := CountTokens(para)
		paraLen := len(para) + 2 // paragraph separator

		if paraTokens > c.maxTokens {
			flush()
			currentTexts = nil
			currentTokens = 0
			currentStart = charPosition

			sentenceChunks := c.splitBySentences(para, charPosition, len(chunks))
			chunks = append(chunks, sentenceChunks...)
			charPosition += paraLen
			currentStart = charPosition
			continue
		}

		if currentTokens+paraTokens > c.targetTokens && len(currentTexts) > 0 {
			flush()

			overlapTexts, overlapCount := c.tailOverlap(currentTexts, overlapTokens)
			currentTexts = overlapTexts
			currentTokens = overlapCount
			retained := 0
			for _, t := range overlapTexts {
				retained += len(t) + 2
			}
			currentStart = charPosition - retained
		}

		currentTexts = append(currentTexts, para)
		currentTokens += paraTokens
		charPosition += paraLen
	}
	flush()

	// Indices assigned during flushes drift once sentence splitting has
	// interleaved; renumbering is idempotent and keeps them sequential.
	for i, chunk := range chunks {
		chunk.Index = i
	}

	logger.Debug("document chunked",
		zap.Int("size", len(text)),
		zap.Int("chunks", len(chunks)),
	)
	return chunks, nil
}

func (c *Chunker) splitBySentences(text string, startChar int, startIndex int) []*model.Chunk {
	sentences := splitSentences(text)

	var chunks []*model.Chunk
	var currentSentences []string
	currentTokens := 0
	currentStart := startChar
	charPos := startChar

	flush := func() {
		if len(currentSentences) == 0 {
			return
		}
		content := strings.Join(currentSentences, " ")
		end := charPos
		if end > startChar+len(text) {
			end = startChar + len(text)
		}
		chunks = append(chunks, &model.Chunk{
			Index:      startIndex + len(chunks),
			Content:    content,
			TokenCount: CountTokens(content),
			StartChar:  currentStart,
			EndChar:    end,
		})
	}

	for _, sentence := range sentences {
		sentTokens := CountTokens(sentence)
		sentLen := len(sentence) + 1

		if currentTokens+sentTokens > c.targetTokens && len(currentSentences) > 0 {
			flush()
			if len(currentSentences) > 2 {
				currentSentences = append([]string(nil), currentSentences[len(currentSentences)-2:]...)
			} else {
				currentSentences = nil
			}
			currentTokens = 0
			retained := 0
			for _, s := range currentSentences {
				currentTokens += CountTokens(s)
				retained += len(s) + 1
			}
			currentStart = charPos - retained
		}

		currentSentences = append(currentSentences, sentence)
		currentTokens += sentTokens
		charPos += sentLen
	}
	flush()

	return chunks
}

func (c *Chunker) tailOverlap(texts []string, budget int) ([]string, int) {
	var overlap []string
	total := 0
	for i := len(texts) - 1; i >= 0; i-- {
		tokens := CountTokens(texts[i])
		if total+tokens > budget {
			break
		}
		total += tokens
		overlap = append([]string{texts[i]}, overlap...)
	}
	return overlap, total
}

// splitSentences breaks text after terminal punctuation followed by
// whitespace. The trailing whitespace is consumed, not kept.
func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		current.WriteRune(r)
		if (r == '.' || r == '!' || r == '?') && i+1 < len(runes) && unicode.IsSpace(runes[i+1]) {
			sentences = append(sentences, current.String())
			current.Reset()
			for i+1 < len(runes) && unicode.IsSpace(runes[i+1]) {
				i++
			}
		}
	}
	if current.Len() > 0 {
		sentences = append(sentences, current.String())
	}
	return sentences
}
