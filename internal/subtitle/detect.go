package subtitle

import (
	"github.com/abadojack/whatlanggo"
	"golang.org/x/text/language"
)

// DetectLanguage guesses the dominant language of a parsed file by
// majority vote over its cues. Returns language.Und when nothing
// recognizable is found.
func DetectLanguage(f *File) language.Tag {
	if f == nil || len(f.Items) == 0 {
		return language.Und
	}

	counts := make(map[string]int)
	for _, item := range f.Items {
		text := StripMarkup(item.Text())
		if text == "" {
			continue
		}
		iso := whatlanggo.DetectLang(text).Iso6391()
		if iso == "" {
			continue
		}
		counts[iso]++
	}

	var top string
	var topCount int
	for iso, count := range counts {
		if count > topCount {
			top = iso
			topCount = count
		}
	}
	if top == "" {
		return language.Und
	}
	return language.All.Make(top)
}
