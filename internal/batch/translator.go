package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/subtrackd/subtrackd/internal/subtitle"
	"github.com/subtrackd/subtrackd/internal/translator"
	"github.com/subtrackd/subtrackd/pkg/log"
)

// RetryMode selects the fallback strategy when a batch reply fails
// alignment.
type RetryMode string

const (
	// RetryImmediate halves the failing group and recurses.
	RetryImmediate RetryMode = "immediate"
	// RetryDeferred records the failing group as a gap and repairs all
	// gaps in a second pass with surrounding context.
	RetryDeferred RetryMode = "deferred"
)

// Options mirror the batch-related configuration keys.
type Options struct {
	StripFormatting bool
	// MaxBatchSize caps lines per API call; 0 means unbounded.
	MaxBatchSize int
	RetryMode    RetryMode
	// MaxSplitAttempts bounds the halving recursion in immediate mode.
	MaxSplitAttempts int
	// RepairContextRadius is how many translated neighbours surround a
	// gap during deferred repair.
	RepairContextRadius int
	// RepairMaxRetries is the per-gap repair attempt cap.
	RepairMaxRetries int
	// ContextBefore/ContextAfter are extra non-translated lines handed
	// to the backend on every group call.
	ContextBefore int
	ContextAfter  int
}

// ProgressFunc observes translation progress in percent. Values are
// monotone non-decreasing within one Translate call.
type ProgressFunc func(percent int)

// Result summarizes one engine run.
type Result struct {
	Total      int
	Eligible   int
	Translated int
	Skipped    int
}

// GapError reports line ranges that stayed untranslated after all
// fallback was exhausted.
type GapError struct {
	Gaps [][2]int
}

func (e *GapError) Error() string {
	return fmt.Sprintf("batch: %d line ranges left untranslated after fallback", len(e.Gaps))
}

// Engine drives batched translation of one parsed subtitle file through
// a batch-capable backend.
type Engine struct {
	backend translator.BatchTranslator
	opts    Options
}

func NewEngine(backend translator.BatchTranslator, opts Options) *Engine {
	if opts.RetryMode == "" {
		opts.RetryMode = RetryDeferred
	}
	if opts.MaxSplitAttempts <= 0 {
		opts.MaxSplitAttempts = 3
	}
	if opts.RepairMaxRetries <= 0 {
		opts.RepairMaxRetries = 1
	}
	return &Engine{backend: backend, opts: opts}
}

// gap is a half-open index range [start,end) into the eligible slice.
type gap struct {
	start, end int
}

type run struct {
	items    []subtitle.Item
	eligible []int    // item indexes sent to the backend
	source   []string // text per eligible line, post-strip when configured
	output   []string // translated text per eligible line, "" = pending
	done     int      // translated eligible lines
	skipped  int
	progress ProgressFunc
	lastPct  int
}

// Translate fills TranslatedLines on every item of f. Line count,
// ordering, and timing are never altered; unresolved gaps after all
// fallback yield a GapError.
func (e *Engine) Translate(ctx context.Context, f *subtitle.File, sourceLang, targetLang string, progress ProgressFunc) (Result, error) {
	r := &run{items: f.Items, progress: progress, lastPct: -1}

	// Untranslatable lines carry over as-is and count as done.
	for i, item := range f.Items {
		text := item.Text()
		if subtitle.Untranslatable(text) {
			f.Items[i].TranslatedLines = append([]string(nil), item.Lines...)
			r.skipped++
			continue
		}
		r.eligible = append(r.eligible, i)
		if e.opts.StripFormatting {
			text = subtitle.StripMarkup(text)
		}
		r.source = append(r.source, text)
	}
	r.output = make([]string, len(r.eligible))

	result := Result{Total: len(f.Items), Eligible: len(r.eligible), Skipped: r.skipped}
	if len(r.eligible) == 0 {
		r.emit()
		result.Translated = 0
		return result, nil
	}

	var gaps []gap
	size := e.opts.MaxBatchSize
	if size <= 0 {
		size = len(r.eligible)
	}
	for start := 0; start < len(r.eligible); start += size {
		end := min(start+size, len(r.eligible))
		if err := ctx.Err(); err != nil {
			return result, err
		}

		failed, err := e.translateGroup(ctx, r, gap{start, end}, sourceLang, targetLang, 0)
		if err != nil {
			return result, err
		}
		gaps = append(gaps, failed...)
		r.emit()
	}

	if e.opts.RetryMode == RetryDeferred && len(gaps) > 0 {
		repaired := gaps[:0]
		for _, g := range gaps {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			if ok, err := e.repairGap(ctx, r, g, sourceLang, targetLang); err != nil {
				return result, err
			} else if !ok {
				repaired = append(repaired, g)
			}
			r.emit()
		}
		gaps = repaired
	}

	// Write translations back aligned by index; unresolved lines keep
	// their source text.
	for oi, itemIdx := range r.eligible {
		if r.output[oi] == "" {
			f.Items[itemIdx].TranslatedLines = append([]string(nil), f.Items[itemIdx].Lines...)
			continue
		}
		f.Items[itemIdx].TranslatedLines = reattach(f.Items[itemIdx].Lines, r.output[oi], e.opts.StripFormatting)
	}
	result.Translated = r.done

	if len(gaps) > 0 {
		gapErr := &GapError{}
		for _, g := range gaps {
			gapErr.Gaps = append(gapErr.Gaps, [2]int{r.eligible[g.start], r.eligible[g.end-1]})
		}
		return result, gapErr
	}
	return result, nil
}

// translateGroup attempts one backend call for the range; on alignment
// failure it either recurses on halves (immediate) or returns the range
// as a gap (deferred). Backend errors other than alignment propagate.
func (e *Engine) translateGroup(ctx context.Context, r *run, g gap, sourceLang, targetLang string, depth int) ([]gap, error) {
	lines := r.source[g.start:g.end]

	out, err := e.backend.TranslateBatch(ctx, translator.BatchRequest{
		Lines:          lines,
		SourceLanguage: sourceLang,
		TargetLanguage: targetLang,
		ContextBefore:  r.contextBefore(g.start, e.opts.ContextBefore),
		ContextAfter:   r.contextAfter(g.end, e.opts.ContextAfter),
	})
	if err != nil && !alignmentFailure(err) {
		return nil, err
	}
	if err == nil && aligned(lines, out) {
		for i, text := range out {
			r.output[g.start+i] = text
		}
		r.done += len(lines)
		return nil, nil
	}

	log.Warn("batch of %d lines failed alignment (mode %s)", len(lines), e.opts.RetryMode)

	if e.opts.RetryMode == RetryDeferred {
		return []gap{g}, nil
	}

	// immediate: halve and recurse
	if g.end-g.start == 1 || depth >= e.opts.MaxSplitAttempts {
		return []gap{g}, nil
	}
	mid := (g.start + g.end) / 2
	var gaps []gap
	for _, half := range []gap{{g.start, mid}, {mid, g.end}} {
		failed, err := e.translateGroup(ctx, r, half, sourceLang, targetLang, depth+1)
		if err != nil {
			return nil, err
		}
		gaps = append(gaps, failed...)
		r.emit()
	}
	return gaps, nil
}

// repairGap retries one gap with already-translated neighbours supplied
// as context. Returns whether the gap was resolved.
func (e *Engine) repairGap(ctx context.Context, r *run, g gap, sourceLang, targetLang string) (bool, error) {
	lines := r.source[g.start:g.end]

	for attempt := 0; attempt < e.opts.RepairMaxRetries; attempt++ {
		out, err := e.backend.TranslateBatch(ctx, translator.BatchRequest{
			Lines:          lines,
			SourceLanguage: sourceLang,
			TargetLanguage: targetLang,
			ContextBefore:  r.translatedBefore(g.start, e.opts.RepairContextRadius),
			ContextAfter:   r.translatedAfter(g.end, e.opts.RepairContextRadius),
		})
		if err != nil && !alignmentFailure(err) {
			return false, err
		}
		if err == nil && aligned(lines, out) {
			for i, text := range out {
				r.output[g.start+i] = text
			}
			r.done += len(lines)
			return true, nil
		}
		log.Warn("repair attempt %d for %d-line gap failed alignment", attempt+1, len(lines))
	}
	return false, nil
}

// aligned validates a backend reply: same length, and no empty output
// for non-empty input.
func aligned(in, out []string) bool {
	if len(in) != len(out) {
		return false
	}
	for i := range in {
		if strings.TrimSpace(in[i]) != "" && strings.TrimSpace(out[i]) == "" {
			return false
		}
	}
	return true
}

func alignmentFailure(err error) bool {
	return errors.Is(err, translator.ErrInvalidResponse)
}

func (r *run) contextBefore(start, n int) []string {
	if n <= 0 {
		return nil
	}
	lo := max(0, start-n)
	return r.source[lo:start]
}

func (r *run) contextAfter(end, n int) []string {
	if n <= 0 {
		return nil
	}
	hi := min(len(r.source), end+n)
	return r.source[end:hi]
}

// translatedBefore collects up to n already-translated lines preceding
// the gap.
func (r *run) translatedBefore(start, n int) []string {
	if n <= 0 {
		return nil
	}
	out := make([]string, 0, n)
	for i := start - 1; i >= 0 && len(out) < n; i-- {
		if r.output[i] != "" {
			out = append(out, r.output[i])
		}
	}
	// restore document order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func (r *run) translatedAfter(end, n int) []string {
	if n <= 0 {
		return nil
	}
	out := make([]string, 0, n)
	for i := end; i < len(r.output) && len(out) < n; i++ {
		if r.output[i] != "" {
			out = append(out, r.output[i])
		}
	}
	return out
}

func (r *run) emit() {
	if r.progress == nil {
		return
	}
	pct := 100
	if len(r.items) > 0 {
		pct = 100 * (r.skipped + r.done) / len(r.items)
	}
	if pct > r.lastPct {
		r.lastPct = pct
		r.progress(pct)
	}
}

// reattach splits a translated string back into cue lines, restoring a
// leading style run from the original when formatting was stripped.
func reattach(original []string, translated string, stripped bool) []string {
	lines := strings.Split(translated, "\n")
	if !stripped || len(original) == 0 || len(lines) == 0 {
		return lines
	}
	first := original[0]
	if strings.HasPrefix(first, "{\\") {
		if idx := strings.Index(first, "}"); idx > 0 {
			lines[0] = first[:idx+1] + lines[0]
		}
	}
	return lines
}
