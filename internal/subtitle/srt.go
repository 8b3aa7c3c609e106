package subtitle

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var srtTimePattern = regexp.MustCompile(`(\d{2}):(\d{2}):(\d{2})[,.](\d{3})\s*-->\s*(\d{2}):(\d{2}):(\d{2})[,.](\d{3})`)

// ParseSRT reads an SRT document into items. It tolerates both CRLF and
// LF separators and a UTF-8 BOM.
func ParseSRT(data []byte) (*File, error) {
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})

	var items []Item
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	current := Item{}
	state := "index" // "index", "time", "text"
	var textLines []string

	flush := func() {
		if len(textLines) > 0 {
			current.Lines = append([]string(nil), textLines...)
			items = append(items, current)
		}
		current = Item{}
		textLines = nil
	}

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")

		switch state {
		case "index":
			trimmed := strings.TrimSpace(line)
			if trimmed == "" {
				continue
			}
			position, err := strconv.Atoi(trimmed)
			if err != nil {
				continue // skip stray non-index lines
			}
			current.Position = position
			state = "time"

		case "time":
			if strings.TrimSpace(line) == "" {
				continue
			}
			start, end, err := parseSRTTime(line)
			if err != nil {
				return nil, fmt.Errorf("parse time: %w", err)
			}
			current.Start = start
			current.End = end
			state = "text"
			textLines = nil

		case "text":
			if strings.TrimSpace(line) == "" {
				flush()
				state = "index"
			} else {
				textLines = append(textLines, line)
			}
		}
	}
	if state == "text" {
		flush()
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read srt: %w", err)
	}

	return &File{Items: items, Format: FormatSRT}, nil
}

// SerializeSRT renders items as CRLF-separated SRT blocks. Translated
// lines are written when present.
func SerializeSRT(f *File) []byte {
	var buf bytes.Buffer
	for _, item := range f.Items {
		fmt.Fprintf(&buf, "%d\r\n", item.Position)
		fmt.Fprintf(&buf, "%s --> %s\r\n", formatSRTTime(item.Start), formatSRTTime(item.End))
		for _, line := range item.OutputLines() {
			buf.WriteString(line)
			buf.WriteString("\r\n")
		}
		buf.WriteString("\r\n")
	}
	return buf.Bytes()
}

func parseSRTTime(line string) (time.Duration, time.Duration, error) {
	matches := srtTimePattern.FindStringSubmatch(line)
	if len(matches) != 9 {
		return 0, 0, fmt.Errorf("invalid time format: %s", line)
	}

	parse := func(h, m, s, ms string) time.Duration {
		hh, _ := strconv.Atoi(h)
		mm, _ := strconv.Atoi(m)
		ss, _ := strconv.Atoi(s)
		mss, _ := strconv.Atoi(ms)
		return time.Duration(hh)*time.Hour +
			time.Duration(mm)*time.Minute +
			time.Duration(ss)*time.Second +
			time.Duration(mss)*time.Millisecond
	}

	return parse(matches[1], matches[2], matches[3], matches[4]),
		parse(matches[5], matches[6], matches[7], matches[8]),
		nil
}

func formatSRTTime(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60
	millis := int(d.Milliseconds()) % 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", hours, minutes, seconds, millis)
}

// Read parses the subtitle file at path, dispatching on extension.
func Read(path string) (*File, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("subtitle file: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read subtitle file: %w", err)
	}

	var f *File
	switch format := FormatOf(path); format {
	case FormatASS, FormatSSA:
		f, err = ParseASS(data, format)
	case FormatSRT:
		f, err = ParseSRT(data)
	default:
		return nil, fmt.Errorf("unsupported subtitle format: %s", path)
	}
	if err != nil {
		return nil, err
	}
	f.Path = path
	return f, nil
}

// Serialize renders the file in its own format.
func Serialize(f *File) []byte {
	switch f.Format {
	case FormatASS, FormatSSA:
		return SerializeASS(f)
	default:
		return SerializeSRT(f)
	}
}

// FormatOf maps a path to its subtitle format, defaulting to SRT.
func FormatOf(path string) Format {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(path), ".")) {
	case "ass":
		return FormatASS
	case "ssa":
		return FormatSSA
	default:
		return FormatSRT
	}
}
