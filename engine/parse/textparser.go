package parse

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
	"unicode"

	"github.com/dealdocs/pipeline/engine/domain"
)

// DefaultChunkTokens is the target token count per text chunk, carried from
// the teacher's ingestion chunker (engine/ingest/transform.go).
const DefaultChunkTokens = 512

// DefaultOverlapTokens is the overlap between consecutive chunks.
const DefaultOverlapTokens = 50

// TextParser is a FormatParser for plain-text and text-like content (the
// word-processed and PDF text-extraction paths funnel into this once an
// external library has produced raw text; PDF/DOCX decoding itself is a
// library-level concern per spec.md §1). It reads the file, splits it into
// sentences, and packs them into token-bounded chunks, reusing the
// teacher's chunking approach (engine/ingest/transform.go's
// splitSentences/chunkSentences) generalized to the document domain.
type TextParser struct {
	ChunkTokens, OverlapTokens int
}

// NewTextParser creates a TextParser with the given chunk/overlap token
// targets; a non-positive chunk size or a negative overlap falls back to the
// default.
func NewTextParser(chunkTokens, overlapTokens int) *TextParser {
	if chunkTokens <= 0 {
		chunkTokens = DefaultChunkTokens
	}
	if overlapTokens < 0 {
		overlapTokens = DefaultOverlapTokens
	}
	return &TextParser{ChunkTokens: chunkTokens, OverlapTokens: overlapTokens}
}

// Parse implements FormatParser.
func (p *TextParser) Parse(_ context.Context, path, _ string) (ParseResult, error) {
	start := time.Now()
	data, err := os.ReadFile(path)
	if err != nil {
		return ParseResult{}, fmt.Errorf("parse: read %s: %w", path, err)
	}

	sentences := splitSentences(string(data))
	chunks := chunkSentences(sentences, p.ChunkTokens, p.OverlapTokens)
	if len(chunks) == 0 && len(strings.TrimSpace(string(data))) > 0 {
		chunks = []domain.Chunk{{Kind: domain.ChunkText, Content: string(data)}}
	}

	return ParseResult{
		Chunks:      chunks,
		PageCount:   1,
		ParseTimeMs: time.Since(start).Milliseconds(),
	}, nil
}

// splitSentences splits text into sentences using punctuation and newlines.
// Grounded on engine/ingest/transform.go's splitSentences.
func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder

	for i, r := range text {
		current.WriteRune(r)
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			if r == '\n' || i == len(text)-1 || (i+1 < len(text) && unicode.IsSpace(rune(text[i+1]))) {
				if s := strings.TrimSpace(current.String()); s != "" {
					sentences = append(sentences, s)
				}
				current.Reset()
			}
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// chunkSentences groups sentences into token-bounded chunks with overlap,
// approximating token count as word count, matching
// engine/ingest/transform.go's chunkSentences.
func chunkSentences(sentences []string, chunkSize, overlap int) []domain.Chunk {
	if len(sentences) == 0 {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkTokens
	}
	if overlap < 0 {
		overlap = 0
	}

	var chunks []domain.Chunk
	idx := 0
	start := 0

	for start < len(sentences) {
		var buf strings.Builder
		tokens := 0
		end := start

		for end < len(sentences) {
			words := wordCount(sentences[end])
			if tokens+words > chunkSize && tokens > 0 {
				break
			}
			if buf.Len() > 0 {
				buf.WriteRune(' ')
			}
			buf.WriteString(sentences[end])
			tokens += words
			end++
		}

		chunks = append(chunks, domain.Chunk{
			Kind:       domain.ChunkText,
			Content:    buf.String(),
			Index:      idx,
			TokenCount: tokens,
		})
		idx++

		overlapTokens := 0
		newStart := end
		for newStart > start && overlapTokens < overlap {
			newStart--
			overlapTokens += wordCount(sentences[newStart])
		}
		if newStart == start {
			start = end
		} else {
			start = newStart
		}
	}
	return chunks
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}
