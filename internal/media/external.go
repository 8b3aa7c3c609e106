package media

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/subtrackd/subtrackd/internal/lang"
)

var subtitleExts = map[string]bool{
	".srt": true,
	".ass": true,
	".ssa": true,
}

// ExternalSubtitle is a sidecar subtitle file next to the media file.
type ExternalSubtitle struct {
	Path     string
	Language string // normalized 2-letter code, "" when unparseable
}

// ListExternalSubtitles finds sidecar subtitle files whose name starts
// with the media base name. The language is taken from the last filename
// token before the extension ("movie.en.srt", "movie.[tag].en.srt").
func ListExternalSubtitles(dir, baseName string) ([]ExternalSubtitle, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	ret := make([]ExternalSubtitle, 0)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if !subtitleExts[ext] {
			continue
		}
		if !strings.HasPrefix(name, baseName) {
			continue
		}
		ret = append(ret, ExternalSubtitle{
			Path:     filepath.Join(dir, name),
			Language: subtitleLanguage(name, ext),
		})
	}
	return ret, nil
}

// HasExternalSubtitle reports whether a sidecar exists for the language.
func HasExternalSubtitle(dir, baseName, langCode string) bool {
	subs, err := ListExternalSubtitles(dir, baseName)
	if err != nil {
		return false
	}
	for _, sub := range subs {
		if lang.Matches(sub.Language, langCode) {
			return true
		}
	}
	return false
}

// FindExternalSubtitle returns the first sidecar matching the language.
func FindExternalSubtitle(dir, baseName, langCode string) (string, bool) {
	subs, err := ListExternalSubtitles(dir, baseName)
	if err != nil {
		return "", false
	}
	for _, sub := range subs {
		if lang.Matches(sub.Language, langCode) {
			return sub.Path, true
		}
	}
	return "", false
}

func subtitleLanguage(name, ext string) string {
	stem := strings.TrimSuffix(name, ext)
	idx := strings.LastIndex(stem, ".")
	if idx < 0 {
		return ""
	}
	token := stem[idx+1:]
	if token == "" || strings.HasPrefix(token, "[") {
		return ""
	}
	code := lang.Normalize(token)
	if len(code) != 2 {
		return ""
	}
	return code
}
