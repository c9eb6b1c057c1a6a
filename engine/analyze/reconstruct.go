package analyze

import (
	"regexp"
	"strings"

	"github.com/dealdocs/pipeline/engine/domain"
	"github.com/dealdocs/pipeline/engine/parse"
)

// ReconstructParseResult rebuilds a parse.ParseResult view from a document's
// stored chunks, the Go equivalent of the teacher's Python counterpart's
// `_reconstruct_parse_result` (original_source/.../extract_financials.py):
// table and formula chunks are split back into their structured Table/
// Formula records while every chunk (including table/formula chunks) is
// retained in Chunks so prose-level detection still sees their text.
func ReconstructParseResult(chunks []domain.Chunk) parse.ParseResult {
	var pr parse.ParseResult
	pr.Chunks = chunks

	for _, c := range chunks {
		switch c.Kind {
		case domain.ChunkTable:
			headers, rows := parseMarkdownTable(c.Content)
			pr.Tables = append(pr.Tables, domain.Table{
				DocumentID: c.DocumentID,
				SheetName:  c.SheetName,
				Headers:    headers,
				Rows:       rows,
			})
		case domain.ChunkFormula:
			pr.Formulas = append(pr.Formulas, domain.Formula{
				DocumentID: c.DocumentID,
				SheetName:  c.SheetName,
				CellRef:    c.CellReference,
				Expression: c.SourceFormula,
				Result:     c.Content,
			})
		}
	}
	return pr
}

var markdownSeparatorRow = regexp.MustCompile(`^\|?[\s:-]+\|?[\s:|-]*$`)

// parseMarkdownTable splits a pipe-delimited markdown table (the format the
// teacher's parser renders table chunks as for embedding) back into headers
// and data rows, skipping the header/body separator row.
func parseMarkdownTable(content string) ([]string, [][]string) {
	var headers []string
	var rows [][]string
	for _, raw := range strings.Split(content, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if headers == nil {
			headers = splitMarkdownRow(line)
			continue
		}
		if markdownSeparatorRow.MatchString(line) {
			continue
		}
		rows = append(rows, splitMarkdownRow(line))
	}
	return headers, rows
}

func splitMarkdownRow(line string) []string {
	trimmed := strings.Trim(strings.TrimSpace(line), "|")
	parts := strings.Split(trimmed, "|")
	cells := make([]string, len(parts))
	for i, p := range parts {
		cells[i] = strings.TrimSpace(p)
	}
	return cells
}
