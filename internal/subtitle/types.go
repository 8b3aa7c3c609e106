package subtitle

import "time"

// Format identifies the on-disk subtitle flavor a file round-trips
// through.
type Format string

const (
	FormatSRT Format = "srt"
	FormatASS Format = "ass"
	FormatSSA Format = "ssa"
)

// ASSDialogue carries the non-text fields of an ASS Dialogue event so a
// parsed file serializes back without losing styling.
type ASSDialogue struct {
	Layer   string
	Style   string
	Name    string
	MarginL string
	MarginR string
	MarginV string
	Effect  string
}

// Item is one subtitle cue. Lines preserves the original inter-line
// structure; TranslatedLines, when set, is written in its place.
type Item struct {
	Position        int
	Start           time.Duration
	End             time.Duration
	Lines           []string
	TranslatedLines []string
	ASS             *ASSDialogue
}

// Text joins the cue's source lines.
func (i Item) Text() string {
	return joinLines(i.Lines)
}

// OutputLines returns the translated lines when present, falling back to
// the source lines.
func (i Item) OutputLines() []string {
	if len(i.TranslatedLines) > 0 {
		return i.TranslatedLines
	}
	return i.Lines
}

// File is a parsed subtitle file.
type File struct {
	Items  []Item
	Format Format
	// Header holds everything preceding the [Events] section of an
	// ASS/SSA file, verbatim. Empty for SRT.
	Header string
	// EventsFormat is the Format: line of the [Events] section.
	EventsFormat string
	Path         string
}

func joinLines(lines []string) string {
	switch len(lines) {
	case 0:
		return ""
	case 1:
		return lines[0]
	}
	n := 0
	for _, l := range lines {
		n += len(l) + 1
	}
	buf := make([]byte, 0, n)
	for i, l := range lines {
		if i > 0 {
			buf = append(buf, '\n')
		}
		buf = append(buf, l...)
	}
	return string(buf)
}
