// Package chunker splits document text into bounded, ordered segments.
//
// All sizes and offsets are byte offsets into the original string. Segment
// text is always the verbatim slice content[Start:End], so offsets can be used
// to locate a chunk in its parent document.
package chunker

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/seanblong/docsearch/internal/errs"
)

// Config controls segmentation.
type Config struct {
	MaxChunkSize       int  `yaml:"maxChunkSize" split_words:"true"`
	OverlapSize        int  `yaml:"overlapSize" split_words:"true"`
	SemanticBoundaries bool `yaml:"semanticBoundaries" split_words:"true"`
	PreserveContext    bool `yaml:"preserveContext" split_words:"true"`
}

// DefaultConfig returns the settings used for documents and transcripts.
func DefaultConfig() Config {
	return Config{
		MaxChunkSize:       1500,
		OverlapSize:        200,
		SemanticBoundaries: true,
		PreserveContext:    true,
	}
}

// Validate rejects configs that could not produce bounded progress.
func (c Config) Validate() error {
	if c.MaxChunkSize <= 0 {
		return errs.Validationf("chunk config", errs.ErrInvalidConfig, "max_chunk_size must be positive, got %d", c.MaxChunkSize)
	}
	if c.OverlapSize < 0 || c.OverlapSize >= c.MaxChunkSize {
		return errs.Validationf("chunk config", errs.ErrInvalidConfig,
			"overlap_size must be in [0, %d), got %d", c.MaxChunkSize, c.OverlapSize)
	}
	return nil
}

// Segment is one chunk of a document.
type Segment struct {
	Text  string
	Start int
	End   int
}

func (s Segment) Len() int { return s.End - s.Start }

var (
	// A blank line: newline, optional horizontal whitespace, newline (repeated).
	paragraphBreak = regexp.MustCompile(`\n(?:[ \t\r\f\v]*\n)+`)
	// End of one sentence followed by the capital that starts the next.
	sentenceStart = regexp.MustCompile(`[.!?]["')\]]?\s+[A-Z]`)
)

// Chunk splits content according to cfg. The result is deterministic for a
// given input and config.
//
// With semantic boundaries, paragraphs are packed into chunks of at most
// cfg.MaxChunkSize bytes. A single paragraph larger than that is emitted whole
// as one oversized chunk rather than being cut mid-paragraph.
func Chunk(content string, cfg Config) ([]Segment, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(content) == "" {
		return nil, errs.Validationf("chunk", errs.ErrEmptyContent, "nothing to chunk")
	}
	if !cfg.SemanticBoundaries {
		return fixedWindows(content, cfg), nil
	}
	return packParagraphs(content, cfg), nil
}

func fixedWindows(content string, cfg Config) []Segment {
	var out []Segment
	step := cfg.MaxChunkSize - cfg.OverlapSize
	for start := 0; start < len(content); {
		end := start + cfg.MaxChunkSize
		if end >= len(content) {
			end = len(content)
		} else {
			end = snapBack(content, start, end)
		}
		if strings.TrimSpace(content[start:end]) != "" {
			out = append(out, segment(content, start, end))
		}
		if end == len(content) {
			break
		}
		next := snapForward(content, start+step)
		if next > end {
			next = end
		}
		start = next
	}
	return out
}

type span struct{ start, end int }

func packParagraphs(content string, cfg Config) []Segment {
	var out []Segment
	bufStart, bufEnd := -1, -1
	for _, p := range paragraphs(content) {
		if bufStart < 0 {
			bufStart, bufEnd = p.start, p.end
			continue
		}
		if p.end-bufStart <= cfg.MaxChunkSize {
			bufEnd = p.end
			continue
		}

		out = append(out, segment(content, bufStart, bufEnd))
		prevStart, prevEnd := bufStart, bufEnd
		bufStart, bufEnd = p.start, p.end
		if !cfg.PreserveContext || cfg.OverlapSize == 0 {
			continue
		}
		// The seed plus the gap and paragraph must still fit in one chunk.
		window := min(cfg.OverlapSize, cfg.MaxChunkSize-(p.end-prevEnd), prevEnd-prevStart)
		if window > 0 {
			bufStart = overlapStart(content, prevStart, prevEnd, window)
		}
	}
	if bufStart >= 0 {
		out = append(out, segment(content, bufStart, bufEnd))
	}
	return out
}

// paragraphs returns the trimmed, non-empty paragraph spans of content.
func paragraphs(content string) []span {
	var out []span
	from := 0
	add := func(start, end int) {
		raw := content[start:end]
		lead := len(raw) - len(strings.TrimLeftFunc(raw, unicode.IsSpace))
		trail := len(raw) - len(strings.TrimRightFunc(raw, unicode.IsSpace))
		if lead == len(raw) {
			return
		}
		out = append(out, span{start: start + lead, end: end - trail})
	}
	for _, loc := range paragraphBreak.FindAllStringIndex(content, -1) {
		add(from, loc[0])
		from = loc[1]
	}
	add(from, len(content))
	return out
}

// overlapStart picks where the context seed copied from the previous chunk
// begins: at the start of the last whole sentence inside its final window
// bytes, or at the raw window start when no sentence boundary is found.
func overlapStart(content string, prevStart, prevEnd, window int) int {
	from := snapForward(content, max(prevEnd-window, prevStart))
	if from >= prevEnd {
		return prevEnd
	}
	tail := content[from:prevEnd]
	locs := sentenceStart.FindAllStringIndex(tail, -1)
	if len(locs) == 0 {
		return from
	}
	last := locs[len(locs)-1]
	return from + last[1] - 1
}

func segment(content string, start, end int) Segment {
	return Segment{Text: content[start:end], Start: start, End: end}
}

// snapBack moves i back to the nearest rune start after lo. If no rune starts
// in (lo, i] it moves forward instead so that progress is always made.
func snapBack(s string, lo, i int) int {
	j := i
	for j > lo && !utf8.RuneStart(s[j]) {
		j--
	}
	if j == lo {
		return snapForward(s, i)
	}
	return j
}

func snapForward(s string, i int) int {
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return i
}
