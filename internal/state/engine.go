package state

import (
	"context"

	"github.com/subtrackd/subtrackd/internal/lang"
	"github.com/subtrackd/subtrackd/internal/media"
	"github.com/subtrackd/subtrackd/internal/model"
	"github.com/subtrackd/subtrackd/pkg/log"
)

// RequestStore is the slice of persistence the engine needs: request
// history per media item, newest first.
type RequestStore interface {
	ListRequestsForMedia(ctx context.Context, mediaID int64, kind model.MediaKind) ([]*model.TranslationRequest, error)
}

// Engine classifies media items by what translation work they still
// need. Classification is a pure function of the media row, its request
// history, the configured language lists, and the files on disk; the
// rules apply strictly in order and the first match wins.
type Engine struct {
	requests RequestStore
}

func NewEngine(requests RequestStore) *Engine {
	return &Engine{requests: requests}
}

// Compute runs the rule chain for one media item.
func (e *Engine) Compute(ctx context.Context, m model.Media, sources, targets []model.LanguageOption) (model.TranslationState, error) {
	if m.Excluded() {
		return model.StateNotApplicable, nil
	}
	if len(sources) == 0 || len(targets) == 0 {
		return model.StateNotApplicable, nil
	}

	history, err := e.requests.ListRequestsForMedia(ctx, m.MediaID(), m.Kind())
	if err != nil {
		return model.StateUnknown, err
	}
	if hasActive(history) {
		return model.StateInProgress, nil
	}
	if lastOutcomeFailed(history) {
		return model.StateFailed, nil
	}

	if !hasSource(m, sources) {
		return model.StateAwaitingSource, nil
	}
	if allTargetsPresent(m, targets) {
		return model.StateComplete, nil
	}
	return model.StatePending, nil
}

func hasActive(history []*model.TranslationRequest) bool {
	for _, r := range history {
		if r.Active() {
			return true
		}
	}
	return false
}

// lastOutcomeFailed reports whether the most recent request for any
// language pair ended in failure. A later completed or cancelled row for
// the same pair clears the failure.
func lastOutcomeFailed(history []*model.TranslationRequest) bool {
	type pair struct{ src, tgt string }
	seen := map[pair]bool{}
	// history is newest first; only the latest row per pair counts
	for _, r := range history {
		p := pair{lang.Normalize(r.SourceLanguage), lang.Normalize(r.TargetLanguage)}
		if seen[p] {
			continue
		}
		seen[p] = true
		if r.Status == model.StatusFailed {
			return true
		}
	}
	return false
}

// hasSource reports whether any configured source language is available,
// either as a sidecar file or as a text-based embedded stream.
func hasSource(m model.Media, sources []model.LanguageOption) bool {
	for _, src := range sources {
		if media.HasExternalSubtitle(m.Dir(), m.BaseName(), src.Code) {
			return true
		}
	}
	for _, sub := range m.EmbeddedStreams() {
		if !sub.IsTextBased {
			continue
		}
		for _, src := range sources {
			if lang.Matches(sub.Language, src.Code) {
				return true
			}
		}
	}
	return false
}

func allTargetsPresent(m model.Media, targets []model.LanguageOption) bool {
	for _, tgt := range targets {
		if !media.HasExternalSubtitle(m.Dir(), m.BaseName(), tgt.Code) {
			return false
		}
	}
	return true
}

// MissingTargets lists the configured target languages a media item does
// not yet have a sidecar for. The scheduler turns these into requests.
func MissingTargets(m model.Media, targets []model.LanguageOption) []model.LanguageOption {
	missing := make([]model.LanguageOption, 0)
	for _, tgt := range targets {
		if !media.HasExternalSubtitle(m.Dir(), m.BaseName(), tgt.Code) {
			missing = append(missing, tgt)
		}
	}
	return missing
}

// ResolveSource picks the concrete source for a media item: a sidecar
// path when one exists for a configured source language, otherwise the
// best text-based embedded stream. Returns (path, nil) or ("", stream)
// or ("", nil) when nothing serves.
func ResolveSource(m model.Media, sources []model.LanguageOption) (string, *model.EmbeddedSubtitle) {
	codes := make([]string, len(sources))
	for i, s := range sources {
		codes[i] = s.Code
	}

	for _, src := range sources {
		if path, ok := media.FindExternalSubtitle(m.Dir(), m.BaseName(), src.Code); ok {
			return path, nil
		}
	}

	textBased := make([]model.EmbeddedSubtitle, 0)
	for _, sub := range m.EmbeddedStreams() {
		if sub.IsTextBased {
			textBased = append(textBased, sub)
		}
	}
	if best := lang.FindBestMatch(textBased, codes); best != nil {
		log.Debug("resolved embedded stream %d (%s) as source for %s", best.StreamIndex, best.Language, m.MediaTitle())
		return "", best
	}
	return "", nil
}
