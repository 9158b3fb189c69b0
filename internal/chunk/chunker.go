package chunk

import (
	"regexp"
	"strings"
)

// Default chunker parameters.
const (
	DefaultSize      = 1000
	DefaultOverlap   = 200
	DefaultMinLength = 50
)

// tableOversizeFactor allows a chunk holding an intact table to grow up to
// this multiple of the target size rather than splitting the table.
const tableOversizeFactor = 1.5

// Heading boundaries. Level 1-2 headings open major sections, levels 3-6
// open subsections.
var (
	majorHeadingPattern = regexp.MustCompile(`(?m)^#{1,2} `)
	minorHeadingPattern = regexp.MustCompile(`(?m)^#{3,6} `)

	// A table block is a run of consecutive pipe-delimited rows. A dangling
	// row that never closes its pipes simply does not match and is treated
	// as ordinary text.
	tableBlockPattern = regexp.MustCompile(`(?m)(?:^\|[^\n]*\|[ \t]*$\n?)+`)
)

// Options configures the chunker.
type Options struct {
	// Size is the target maximum chunk length in characters.
	Size int
	// Overlap is the approximate number of characters carried forward from
	// the previous chunk when a boundary is forced mid-section.
	Overlap int
	// MinLength drops emitted chunks shorter than this; tiny fragments
	// carry no retrievable signal.
	MinLength int
}

// Chunker splits document text into bounded chunks. Splits prefer section
// boundaries, then subsection boundaries, then paragraph boundaries, and
// never land inside a table block. Chunker is stateless and restartable.
type Chunker struct {
	opts Options
}

// NewChunker creates a chunker with default options.
func NewChunker() *Chunker {
	return NewChunkerWithOptions(Options{})
}

// NewChunkerWithOptions creates a chunker with custom options, filling in
// defaults for zero values.
func NewChunkerWithOptions(opts Options) *Chunker {
	if opts.Size <= 0 {
		opts.Size = DefaultSize
	}
	if opts.Overlap < 0 {
		opts.Overlap = 0
	}
	if opts.Overlap == 0 {
		opts.Overlap = DefaultOverlap
	}
	// Overlap above half the chunk size would let overlap-prefixed chunks
	// outgrow the 1.5x table allowance.
	if opts.Overlap > opts.Size/2 {
		opts.Overlap = opts.Size / 5
	}
	if opts.MinLength <= 0 {
		opts.MinLength = DefaultMinLength
	}
	return &Chunker{opts: opts}
}

// Chunk splits text into ordered chunks. Empty input yields nil. Input
// that already fits the target size is returned as a single chunk.
func (c *Chunker) Chunk(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if len(text) <= c.opts.Size {
		return []string{text}
	}

	var chunks []string
	for _, section := range splitBefore(text, majorHeadingPattern) {
		if len(section) <= c.opts.Size {
			if s := strings.TrimSpace(section); s != "" {
				chunks = append(chunks, s)
			}
			continue
		}

		for _, sub := range splitBefore(section, minorHeadingPattern) {
			if len(sub) <= c.opts.Size {
				if s := strings.TrimSpace(sub); s != "" {
					chunks = append(chunks, s)
				}
				continue
			}
			chunks = append(chunks, c.splitPreservingTables(sub)...)
		}
	}

	// Drop fragments too short to carry signal.
	kept := chunks[:0]
	for _, ch := range chunks {
		if len(ch) > c.opts.MinLength {
			kept = append(kept, ch)
		}
	}
	return kept
}

// splitBefore cuts text at the start of every line matching re, keeping
// the matched heading with the section that follows it.
func splitBefore(text string, re *regexp.Regexp) []string {
	locs := re.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return []string{text}
	}

	var parts []string
	prev := 0
	for _, loc := range locs {
		if loc[0] == prev {
			continue
		}
		parts = append(parts, text[prev:loc[0]])
		prev = loc[0]
	}
	parts = append(parts, text[prev:])
	return parts
}

// splitPreservingTables splits an oversized unit paragraph by paragraph,
// keeping every table block intact. A table may push a chunk up to
// tableOversizeFactor times the target size; only after the table closes
// may a new boundary be inserted. Overlap is carried across non-table
// boundaries only.
func (c *Chunker) splitPreservingTables(text string) []string {
	var chunks []string
	var cur strings.Builder

	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			chunks = append(chunks, s)
		}
		cur.Reset()
	}

	tableLimit := int(float64(c.opts.Size) * tableOversizeFactor)

	for _, part := range splitAroundTables(text) {
		if part.isTable {
			if cur.Len() > 0 && cur.Len()+len(part.text) > tableLimit {
				flush()
			}
			if cur.Len() > 0 {
				cur.WriteString("\n\n")
			}
			cur.WriteString(part.text)
			continue
		}

		for _, para := range strings.Split(part.text, "\n\n") {
			para = strings.TrimSpace(para)
			if para == "" {
				continue
			}

			if len(para) > c.opts.Size {
				flush()
				chunks = append(chunks, c.hardSplit(para)...)
				continue
			}

			if cur.Len() > 0 && cur.Len()+len(para)+2 > c.opts.Size {
				flush()
				if prefix := c.overlapSuffix(chunks); prefix != "" {
					cur.WriteString(prefix)
					cur.WriteString("\n\n")
				}
			}
			if cur.Len() > 0 {
				cur.WriteString("\n\n")
			}
			cur.WriteString(para)
		}
	}

	flush()
	return chunks
}

// tablePart is a slice of input text, marked when it is a table block.
type tablePart struct {
	text    string
	isTable bool
}

// splitAroundTables slices text into alternating plain and table parts.
func splitAroundTables(text string) []tablePart {
	locs := tableBlockPattern.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return []tablePart{{text: text}}
	}

	var parts []tablePart
	prev := 0
	for _, loc := range locs {
		if loc[0] > prev {
			parts = append(parts, tablePart{text: text[prev:loc[0]]})
		}
		parts = append(parts, tablePart{text: text[loc[0]:loc[1]], isTable: true})
		prev = loc[1]
	}
	if prev < len(text) {
		parts = append(parts, tablePart{text: text[prev:]})
	}
	return parts
}

// hardSplit breaks a single oversized paragraph at word boundaries, with
// overlap carried between pieces. A word longer than the target size is
// cut at rune boundaries as a last resort.
func (c *Chunker) hardSplit(para string) []string {
	var pieces []string
	var cur strings.Builder

	flush := func() {
		if cur.Len() > 0 {
			pieces = append(pieces, cur.String())
			cur.Reset()
		}
	}

	for _, word := range strings.Fields(para) {
		if len(word) > c.opts.Size {
			flush()
			runes := []rune(word)
			for len(runes) > c.opts.Size {
				pieces = append(pieces, string(runes[:c.opts.Size]))
				runes = runes[c.opts.Size:]
			}
			if len(runes) > 0 {
				cur.WriteString(string(runes))
			}
			continue
		}

		extra := len(word)
		if cur.Len() > 0 {
			extra++
		}
		if cur.Len()+extra > c.opts.Size {
			flush()
			if prefix := c.overlapSuffix(pieces); prefix != "" {
				cur.WriteString(prefix)
			}
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(word)
	}

	flush()
	return pieces
}

// overlapSuffix returns the trailing words of the last chunk, amounting to
// roughly the configured overlap at ~10 characters per word.
func (c *Chunker) overlapSuffix(chunks []string) string {
	if c.opts.Overlap <= 0 || len(chunks) == 0 {
		return ""
	}
	words := strings.Fields(chunks[len(chunks)-1])
	n := c.opts.Overlap / 10
	if n <= 0 || len(words) == 0 {
		return ""
	}
	if n > len(words) {
		n = len(words)
	}
	return strings.Join(words[len(words)-n:], " ")
}
