package subtitle

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

var (
	assDrawingBlockPattern = regexp.MustCompile(`(?s)\{\\p[1-9][^}]*\}.*?(\{\\p0[^}]*\}|$)`)
	assStylePattern        = regexp.MustCompile(`\{\\[^{}]*\}`)
	htmlTagPattern         = regexp.MustCompile(`<[^<>]+>`)
	escapePattern          = regexp.MustCompile(`\\[Nnht]`)
	whitespacePattern      = regexp.MustCompile(`\s+`)
	bracketCuePattern      = regexp.MustCompile(`\[[^\[\]]*\]|\([^()]*\)`)
	urlOnlyPattern         = regexp.MustCompile(`(?i)^(https?://|www\.)\S+$`)
	creditPattern          = regexp.MustCompile(`(?i)^(captioning|synced|subtitle|translat|encoded)\S*\s.*\bby\b`)
	musicalSymbols         = "♪♫♬♩♭♮♯🎵🎶"
)

// StripMarkup removes styling and non-dialogue noise from subtitle text,
// leaving only the spoken content. It is idempotent.
func StripMarkup(text string) string {
	out := make([]string, 0, 2)
	for _, line := range strings.Split(text, "\n") {
		line = assDrawingBlockPattern.ReplaceAllString(line, "")
		line = assStylePattern.ReplaceAllString(line, "")
		line = htmlTagPattern.ReplaceAllString(line, "")
		line = escapePattern.ReplaceAllString(line, " ")
		line = strings.Map(func(r rune) rune {
			if strings.ContainsRune(musicalSymbols, r) {
				return -1
			}
			return r
		}, line)
		line = bracketCuePattern.ReplaceAllString(line, "")
		line = whitespacePattern.ReplaceAllString(line, " ")
		line = strings.TrimSpace(line)

		if line == "" {
			continue
		}
		if urlOnlyPattern.MatchString(line) {
			continue
		}
		if creditPattern.MatchString(line) {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// drawing command letters used by ASS vector paths.
const drawingCommands = "mnlbspc"

func isDrawingToken(token string) bool {
	if len(token) == 1 && strings.ContainsRune(drawingCommands, unicode.ToLower(rune(token[0]))) {
		return true
	}
	_, err := strconv.ParseFloat(token, 64)
	return err == nil
}

func isCommandLetter(token string) bool {
	return len(token) == 1 && strings.ContainsRune(drawingCommands, unicode.ToLower(rune(token[0])))
}

// IsDrawing reports whether a post-strip line is an ASS vector drawing
// or single-token garbage rather than translatable text.
func IsDrawing(text string) bool {
	tokens := strings.Fields(text)
	switch {
	case len(tokens) == 0:
		return false
	case len(tokens) == 1:
		return isGarbageSingleToken(tokens[0])
	case len(tokens) == 2:
		hasCommand := false
		for _, token := range tokens {
			if !isDrawingToken(token) {
				return false
			}
			if isCommandLetter(token) {
				hasCommand = true
			}
		}
		return hasCommand
	default:
		drawing := 0
		for _, token := range tokens {
			if isDrawingToken(token) {
				drawing++
			}
		}
		return float64(drawing) > 0.8*float64(len(tokens))
	}
}

// A lone token is garbage only when it is a single rune that cannot
// stand as a word: a stray ASCII letter outside i/I/a/A, or a symbol.
// Whole words, numbers, and non-Latin single-character words stay
// translatable.
func isGarbageSingleToken(token string) bool {
	runes := []rune(token)
	if len(runes) != 1 {
		return false
	}
	switch r := runes[0]; {
	case r == 'i' || r == 'I' || r == 'a' || r == 'A':
		return false
	case unicode.IsDigit(r):
		return false
	case unicode.IsLetter(r) && r > unicode.MaxASCII:
		return false
	default:
		return true
	}
}

// Untranslatable reports whether a cue's text should bypass translation:
// stripping leaves nothing, a drawing, or a meaningless single character.
func Untranslatable(text string) bool {
	stripped := StripMarkup(text)
	if stripped == "" {
		return true
	}
	if IsDrawing(stripped) {
		return true
	}
	runes := []rune(stripped)
	if len(runes) == 1 && !unicode.IsLetter(runes[0]) && !unicode.IsDigit(runes[0]) {
		return true
	}
	return false
}
