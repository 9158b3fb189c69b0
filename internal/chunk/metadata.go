// Package chunk splits document text into bounded, structure-respecting
// chunks and classifies each chunk's structural content.
package chunk

import (
	"regexp"
	"strings"
)

// ContentType classifies the primary structural content of a chunk.
type ContentType string

const (
	ContentTypeText  ContentType = "text"
	ContentTypeTable ContentType = "table"
	ContentTypeCode  ContentType = "code"
	ContentTypeList  ContentType = "list"
)

// Regex patterns for structural detection.
var (
	// Matches a pipe-delimited table row anywhere in the chunk.
	tableRowPattern = regexp.MustCompile(`\|[^\n]+\|`)

	// Matches a fenced code block.
	codeFencePattern = regexp.MustCompile("(?s)```.*?```")

	// Matches a list item line: -, *, or • followed by a space.
	listItemPattern = regexp.MustCompile(`(?m)^\s*[-*•]\s`)

	// Matches any markdown heading line.
	headingLinePattern = regexp.MustCompile(`(?m)^#{1,6}\s`)

	// Matches a heading at the very start of the chunk, capturing marks
	// and title.
	leadingHeadingPattern = regexp.MustCompile(`^(#{1,6})\s+(.+?)(?:\n|$)`)
)

// Metadata describes the structural properties of a single chunk.
// The has_* flags are independent of the primary ContentType: a chunk can
// contain a table fragment alongside prose.
type Metadata struct {
	Index       int         `json:"chunk_index"`
	CharCount   int         `json:"char_count"`
	WordCount   int         `json:"word_count"`
	ContentType ContentType `json:"content_type"`
	HasTable    bool        `json:"has_table"`
	HasCode     bool        `json:"has_code"`
	HasList     bool        `json:"has_list"`
	HasHeader   bool        `json:"has_header"`
	// SectionLevel is the heading depth (1-6) when the chunk begins with a
	// heading line, 0 otherwise.
	SectionLevel int    `json:"section_level"`
	SectionTitle string `json:"section_title"`
}

// Extract classifies a chunk's structural content and pulls section
// heading info. Deterministic and side-effect-free.
//
// Primary content type priority: table > code > list > text.
func Extract(text string, index int) Metadata {
	m := Metadata{
		Index:     index,
		CharCount: len(text),
		WordCount: len(strings.Fields(text)),
		HasTable:  tableRowPattern.MatchString(text),
		HasCode:   codeFencePattern.MatchString(text),
		HasList:   listItemPattern.MatchString(text),
		HasHeader: headingLinePattern.MatchString(text),
	}

	switch {
	case m.HasTable:
		m.ContentType = ContentTypeTable
	case m.HasCode:
		m.ContentType = ContentTypeCode
	case m.HasList:
		m.ContentType = ContentTypeList
	default:
		m.ContentType = ContentTypeText
	}

	if match := leadingHeadingPattern.FindStringSubmatch(text); match != nil {
		m.SectionLevel = len(match[1])
		m.SectionTitle = strings.TrimSpace(match[2])
	}

	return m
}
