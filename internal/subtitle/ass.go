package subtitle

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseASS reads an ASS or SSA document. Sections before [Events] are
// kept verbatim so unrelated parts survive a round trip; Dialogue events
// become items with their styling fields preserved.
func ParseASS(data []byte, format Format) (*File, error) {
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})

	f := &File{Format: format}
	var header bytes.Buffer
	inEvents := false
	position := 0

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")

		if !inEvents {
			if strings.EqualFold(strings.TrimSpace(line), "[Events]") {
				inEvents = true
				continue
			}
			header.WriteString(line)
			header.WriteString("\n")
			continue
		}

		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "Format:"):
			f.EventsFormat = trimmed
		case strings.HasPrefix(trimmed, "Dialogue:"):
			item, err := parseDialogue(trimmed, position+1)
			if err != nil {
				return nil, err
			}
			position++
			f.Items = append(f.Items, item)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read ass: %w", err)
	}

	f.Header = header.String()
	if f.EventsFormat == "" {
		f.EventsFormat = "Format: Layer, Start, End, Style, Name, MarginL, MarginR, MarginV, Effect, Text"
	}
	return f, nil
}

// SerializeASS renders the file back with its original header and event
// format line.
func SerializeASS(f *File) []byte {
	var buf bytes.Buffer
	buf.WriteString(f.Header)
	buf.WriteString("[Events]\n")
	buf.WriteString(f.EventsFormat)
	buf.WriteString("\n")
	for _, item := range f.Items {
		meta := item.ASS
		if meta == nil {
			meta = &ASSDialogue{Layer: "0", Style: "Default", MarginL: "0", MarginR: "0", MarginV: "0"}
		}
		text := strings.Join(item.OutputLines(), `\N`)
		fmt.Fprintf(&buf, "Dialogue: %s,%s,%s,%s,%s,%s,%s,%s,%s,%s\n",
			meta.Layer,
			formatASSTime(item.Start),
			formatASSTime(item.End),
			meta.Style,
			meta.Name,
			meta.MarginL,
			meta.MarginR,
			meta.MarginV,
			meta.Effect,
			text)
	}
	return buf.Bytes()
}

// parseDialogue splits a Dialogue line on the standard 10-field layout;
// the text field may itself contain commas.
func parseDialogue(line string, position int) (Item, error) {
	body := strings.TrimSpace(strings.TrimPrefix(line, "Dialogue:"))
	fields := strings.SplitN(body, ",", 10)
	if len(fields) < 10 {
		return Item{}, fmt.Errorf("invalid dialogue line: %s", line)
	}

	start, err := parseASSTime(fields[1])
	if err != nil {
		return Item{}, err
	}
	end, err := parseASSTime(fields[2])
	if err != nil {
		return Item{}, err
	}

	return Item{
		Position: position,
		Start:    start,
		End:      end,
		Lines:    strings.Split(fields[9], `\N`),
		ASS: &ASSDialogue{
			Layer:   fields[0],
			Style:   fields[3],
			Name:    fields[4],
			MarginL: fields[5],
			MarginR: fields[6],
			MarginV: fields[7],
			Effect:  fields[8],
		},
	}, nil
}

// parseASSTime parses the h:mm:ss.cc timestamp format.
func parseASSTime(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid ass time: %s", s)
	}
	secParts := strings.Split(parts[2], ".")
	if len(secParts) != 2 {
		return 0, fmt.Errorf("invalid ass time: %s", s)
	}

	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("invalid ass time: %s", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("invalid ass time: %s", s)
	}
	sec, err := strconv.Atoi(secParts[0])
	if err != nil {
		return 0, fmt.Errorf("invalid ass time: %s", s)
	}
	cs, err := strconv.Atoi(secParts[1])
	if err != nil {
		return 0, fmt.Errorf("invalid ass time: %s", s)
	}

	return time.Duration(h)*time.Hour +
		time.Duration(m)*time.Minute +
		time.Duration(sec)*time.Second +
		time.Duration(cs)*10*time.Millisecond, nil
}

func formatASSTime(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60
	centis := int(d.Milliseconds()) % 1000 / 10
	return fmt.Sprintf("%d:%02d:%02d.%02d", hours, minutes, seconds, centis)
}
