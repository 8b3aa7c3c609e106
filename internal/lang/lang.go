package lang

import (
	"strings"

	"golang.org/x/text/language"

	"github.com/subtrackd/subtrackd/internal/model"
)

// aliasTable folds the 3-letter and regional codes seen in the wild onto
// their 2-letter base. Unknown 3-letter codes fall back to their first
// two letters.
var aliasTable = map[string]string{
	"eng": "en", "fre": "fr", "fra": "fr", "ger": "de", "deu": "de",
	"spa": "es", "ita": "it", "por": "pt", "dut": "nl", "nld": "nl",
	"rus": "ru", "jpn": "ja", "chi": "zh", "zho": "zh", "kor": "ko",
	"ara": "ar", "pol": "pl", "tur": "tr", "swe": "sv", "dan": "da",
	"nor": "no", "fin": "fi", "cze": "cs", "ces": "cs", "gre": "el",
	"ell": "el", "heb": "he", "hin": "hi", "hun": "hu", "ind": "id",
	"may": "ms", "msa": "ms", "rum": "ro", "ron": "ro", "tha": "th",
	"ukr": "uk", "vie": "vi", "slo": "sk", "slk": "sk", "bul": "bg",
	"hrv": "hr", "srp": "sr", "per": "fa", "fas": "fa",
}

// Normalize folds a language code to its 2-letter base: 3-letter ISO
// codes and xx-YY variants collapse, unknown 3-letter codes keep their
// first two letters. Normalize is idempotent.
func Normalize(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "" {
		return ""
	}

	if idx := strings.IndexAny(code, "-_"); idx > 0 {
		code = code[:idx]
	}

	if mapped, ok := aliasTable[code]; ok {
		return mapped
	}
	if len(code) == 3 {
		if tag, err := language.Parse(code); err == nil {
			if base, conf := tag.Base(); conf != language.No && len(base.String()) == 2 {
				return base.String()
			}
		}
		return code[:2]
	}
	return code
}

// Matches reports whether two non-empty codes share a normalized base.
func Matches(a, b string) bool {
	na, nb := Normalize(a), Normalize(b)
	return na != "" && nb != "" && na == nb
}

// qualityThreshold is the minimum candidate score at which the
// language-priority bonus applies, so a low-quality track in a preferred
// language cannot beat a full track in a later language.
const qualityThreshold = 40

// priorityBonus is the per-rank weight of the configured language order.
const priorityBonus = 80

// ScoreCandidate rates an embedded subtitle track against a preferred
// language. Higher is better.
func ScoreCandidate(sub model.EmbeddedSubtitle, preferredLang string) int {
	score := 0
	if Matches(sub.Language, preferredLang) {
		score += 50
	}

	title := strings.ToLower(sub.Title)
	if strings.Contains(title, "full") {
		score += 25
	}
	if strings.Contains(title, "dialog") || strings.Contains(title, "dialogue") {
		score += 20
	}
	if strings.Contains(title, "sub") {
		score += 10
	}
	if strings.Contains(title, "signs") || strings.Contains(title, "songs") || strings.Contains(title, "karaoke") {
		score -= 40
	}

	if sub.IsForced {
		score -= 10
	} else {
		score += 5
	}
	if sub.IsDefault {
		score += 5
	}
	return score
}

// FindBestMatch picks the embedded track best serving the configured
// language list. Earlier configured languages get a priority bonus, but
// only for candidates at or above the quality threshold. Returns nil when
// no candidate matches any configured language.
func FindBestMatch(candidates []model.EmbeddedSubtitle, configured []string) *model.EmbeddedSubtitle {
	var best *model.EmbeddedSubtitle
	bestTotal := 0

	for ci := range candidates {
		for i, cfg := range configured {
			if !Matches(candidates[ci].Language, cfg) {
				continue
			}
			score := ScoreCandidate(candidates[ci], cfg)
			total := score
			if score >= qualityThreshold {
				total += (len(configured) - i) * priorityBonus
			}
			// strict > keeps appearance order on ties
			if best == nil || total > bestTotal {
				best = &candidates[ci]
				bestTotal = total
			}
		}
	}
	return best
}
