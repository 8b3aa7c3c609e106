package subtitle

import (
	"strings"
	"time"
)

// mergeGap is how close the next cue must start to the previous cue's end
// for duplicate cues to be merged into one time range.
const mergeGap = 100 * time.Millisecond

// CleanupExtracted normalizes a subtitle extracted from a container
// stream: drops drawing-only cues, merges consecutive duplicates, and
// strips markup from what remains.
func CleanupExtracted(f *File) {
	cleaned := make([]Item, 0, len(f.Items))

	for _, item := range f.Items {
		stripped := StripMarkup(item.Text())
		if stripped == "" || IsDrawing(stripped) {
			continue
		}

		if n := len(cleaned); n > 0 {
			prev := &cleaned[n-1]
			if StripMarkup(prev.Text()) == stripped && item.Start <= prev.End+mergeGap {
				if item.End > prev.End {
					prev.End = item.End
				}
				continue
			}
		}

		item.Lines = strings.Split(stripped, "\n")
		cleaned = append(cleaned, item)
	}

	for i := range cleaned {
		cleaned[i].Position = i + 1
	}
	f.Items = cleaned
}
