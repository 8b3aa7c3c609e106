package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/subtrackd/subtrackd/internal/batch"
	"github.com/subtrackd/subtrackd/internal/integrity"
	"github.com/subtrackd/subtrackd/internal/media"
	"github.com/subtrackd/subtrackd/internal/model"
	"github.com/subtrackd/subtrackd/internal/request"
	"github.com/subtrackd/subtrackd/internal/state"
	"github.com/subtrackd/subtrackd/internal/subtitle"
	"github.com/subtrackd/subtrackd/internal/translator"
	"github.com/subtrackd/subtrackd/pkg/log"
)

// Store is the slice of persistence the runner needs while executing a
// single request.
type Store interface {
	GetMedia(ctx context.Context, id int64, kind model.MediaKind) (model.Media, error)
	UpdateRequestStatus(ctx context.Context, id int64, status model.RequestStatus) error
	UpdateRequestProgress(ctx context.Context, id int64, progress int) error
	SetRequestResult(ctx context.Context, id int64, translatedPath string) error
	AppendRequestLog(ctx context.Context, requestID int64, level, message, details string) error
}

// Config carries the translation execution knobs.
type Config struct {
	UseBatch             bool
	Batch                batch.Options
	MaxRetries           int
	RetryDelay           time.Duration
	RetryDelayMultiplier float64
	UseTagging           bool
	Tag                  string
	SourceLanguages      []model.LanguageOption
}

// Runner executes one translation request end to end: source resolution,
// translation, integrity validation, atomic output.
type Runner struct {
	store    Store
	requests *request.Service
	backend  translator.Translator
	prober   *media.Prober
	checker  integrity.Checker
	cfg      Config
}

func New(store Store, requests *request.Service, backend translator.Translator, prober *media.Prober, checker integrity.Checker, cfg Config) *Runner {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.RetryDelayMultiplier < 1 {
		cfg.RetryDelayMultiplier = 1
	}
	return &Runner{
		store:    store,
		requests: requests,
		backend:  backend,
		prober:   prober,
		checker:  checker,
		cfg:      cfg,
	}
}

// Backend names the configured translation provider.
func (r *Runner) Backend() string { return r.backend.Name() }

// Execute runs one request to a terminal status. The returned error is
// the translation failure, if any; the request row is always finalized.
func (r *Runner) Execute(parent context.Context, req *model.TranslationRequest) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	r.requests.RegisterCancel(req.ID, cancel)
	defer r.requests.UnregisterCancel(req.ID)

	if err := r.store.UpdateRequestStatus(ctx, req.ID, model.StatusInProgress); err != nil {
		return err
	}
	_ = r.store.AppendRequestLog(ctx, req.ID, "info", "translation started", fmt.Sprintf("%s -> %s", req.SourceLanguage, req.TargetLanguage))

	outPath, err := r.run(ctx, req)
	if err != nil {
		return r.finalizeFailure(parent, req, err)
	}

	// finalize on the parent context so a cancel during the last writes
	// does not strand the row
	if err := r.store.SetRequestResult(parent, req.ID, outPath); err != nil {
		return err
	}
	if err := r.store.UpdateRequestProgress(parent, req.ID, 100); err != nil {
		return err
	}
	if err := r.store.UpdateRequestStatus(parent, req.ID, model.StatusCompleted); err != nil {
		return err
	}
	_ = r.store.AppendRequestLog(parent, req.ID, "info", "translation completed", outPath)
	r.requests.Publish(request.ProgressEvent{RequestID: req.ID, Progress: 100, Status: model.StatusCompleted})
	log.Info("request %d completed: %s", req.ID, outPath)
	return nil
}

func (r *Runner) finalizeFailure(ctx context.Context, req *model.TranslationRequest, cause error) error {
	if errors.Is(cause, context.Canceled) {
		_ = r.store.AppendRequestLog(ctx, req.ID, "info", "translation cancelled", "")
		if err := r.store.UpdateRequestStatus(ctx, req.ID, model.StatusCancelled); err != nil {
			return err
		}
		r.requests.Publish(request.ProgressEvent{RequestID: req.ID, Progress: req.Progress, Status: model.StatusCancelled})
		return cause
	}
	_ = r.store.AppendRequestLog(ctx, req.ID, "error", "translation failed", cause.Error())
	if err := r.store.UpdateRequestStatus(ctx, req.ID, model.StatusFailed); err != nil {
		return err
	}
	r.requests.Publish(request.ProgressEvent{RequestID: req.ID, Progress: req.Progress, Status: model.StatusFailed})
	log.Error("request %d failed: %v", req.ID, cause)
	return cause
}

// run produces the translated sidecar and returns its path.
func (r *Runner) run(ctx context.Context, req *model.TranslationRequest) (string, error) {
	m, err := r.store.GetMedia(ctx, req.MediaID, req.MediaKind)
	if err != nil {
		return "", fmt.Errorf("load media: %w", err)
	}

	sourcePath, cleanup, err := r.resolveSource(ctx, req, m)
	if err != nil {
		return "", err
	}
	defer cleanup()

	file, err := subtitle.Read(sourcePath)
	if err != nil {
		return "", fmt.Errorf("parse source subtitle: %w", err)
	}
	if len(file.Items) == 0 {
		// nothing to translate; mirror the empty file so the target
		// language reads as covered
		outPath := r.outputPath(m, req.TargetLanguage, file.Format)
		if err := subtitle.Write(outPath, file); err != nil {
			return "", fmt.Errorf("write empty translation: %w", err)
		}
		_ = r.store.AppendRequestLog(ctx, req.ID, "info", "source has no cues, wrote empty target", outPath)
		return outPath, nil
	}

	progress := func(pct int) {
		// cap live progress below 100; completion owns the final step
		if pct >= 100 {
			pct = 99
		}
		if err := r.store.UpdateRequestProgress(ctx, req.ID, pct); err != nil {
			log.Warn("progress update for request %d failed: %v", req.ID, err)
		}
		r.requests.Publish(request.ProgressEvent{RequestID: req.ID, Progress: pct, Status: model.StatusInProgress})
	}

	if err := r.translate(ctx, file, req, progress); err != nil {
		return "", err
	}

	// the source vanishing mid-run means the media moved or a cleanup
	// raced the job; abandon without writing anything
	if _, statErr := os.Stat(sourcePath); os.IsNotExist(statErr) {
		return "", fmt.Errorf("source subtitle removed during translation: %w", context.Canceled)
	}

	outPath := r.outputPath(m, req.TargetLanguage, file.Format)
	ext := filepath.Ext(outPath)
	tmpPath := strings.TrimSuffix(outPath, ext) + ".tmp" + ext

	if err := os.WriteFile(tmpPath, subtitle.Serialize(file), 0o644); err != nil {
		return "", fmt.Errorf("write translation: %w", err)
	}
	if !r.checker.Validate(sourcePath, tmpPath) {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("integrity validation rejected translation for %s", outPath)
	}
	if err := os.Rename(tmpPath, outPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("commit translation: %w", err)
	}
	return outPath, nil
}

// resolveSource yields the subtitle file to translate: the recorded
// sidecar when the request has one, otherwise the best embedded stream
// extracted to a scratch file. The cleanup removes any scratch state.
func (r *Runner) resolveSource(ctx context.Context, req *model.TranslationRequest, m model.Media) (string, func(), error) {
	noop := func() {}
	if req.SubtitlePath != nil && *req.SubtitlePath != "" {
		if _, err := os.Stat(*req.SubtitlePath); err != nil {
			return "", noop, fmt.Errorf("source subtitle gone: %w", err)
		}
		return *req.SubtitlePath, noop, nil
	}

	sources := r.cfg.SourceLanguages
	if len(sources) == 0 {
		sources = []model.LanguageOption{{Code: req.SourceLanguage}}
	}
	path, stream := state.ResolveSource(m, sources)
	if path != "" {
		return path, noop, nil
	}
	if stream == nil {
		return "", noop, fmt.Errorf("no usable subtitle source for %s", m.MediaTitle())
	}

	mediaPath, err := media.ResolveMediaFile(m.Dir(), m.BaseName())
	if err != nil {
		return "", noop, fmt.Errorf("locate media file: %w", err)
	}

	_ = r.store.AppendRequestLog(ctx, req.ID, "info", "extracting embedded stream", fmt.Sprintf("stream %d (%s)", stream.StreamIndex, stream.Language))
	extracted, err := r.prober.Extract(ctx, mediaPath, stream.StreamIndex, stream.CodecName, stream.Language)
	if err != nil {
		return "", noop, fmt.Errorf("extract embedded stream: %w", err)
	}
	// the extraction is scratch state; keep the library clean of it
	return extracted, func() { _ = os.Remove(extracted) }, nil
}

func (r *Runner) translate(ctx context.Context, file *subtitle.File, req *model.TranslationRequest, progress batch.ProgressFunc) error {
	if r.cfg.UseBatch {
		if backend, ok := translator.AsBatch(r.backend); ok {
			eng := batch.NewEngine(&retryingBatch{backend: backend, runner: r}, r.cfg.Batch)
			_, err := eng.Translate(ctx, file, req.SourceLanguage, req.TargetLanguage, progress)
			return err
		}
		log.Warn("backend %s cannot batch, falling back to line mode", r.backend.Name())
	}
	return r.translateByLine(ctx, file, req, progress)
}

// retryingBatch wraps a batch backend with the same transient-error
// backoff as the per-line path, so rate limits and service blips are
// absorbed under the retry cap instead of failing the request. Alignment
// failures pass through untouched; they belong to the engine's fallback.
type retryingBatch struct {
	backend translator.BatchTranslator
	runner  *Runner
}

func (b *retryingBatch) Name() string { return b.backend.Name() }

func (b *retryingBatch) TranslateLine(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	var out string
	err := b.runner.retryTransient(ctx, func() error {
		var err error
		out, err = b.backend.TranslateLine(ctx, text, sourceLang, targetLang)
		return err
	})
	return out, err
}

func (b *retryingBatch) TranslateBatch(ctx context.Context, req translator.BatchRequest) ([]string, error) {
	var out []string
	err := b.runner.retryTransient(ctx, func() error {
		var err error
		out, err = b.backend.TranslateBatch(ctx, req)
		return err
	})
	return out, err
}

// translateByLine walks cue by cue with exponential backoff on transient
// backend failures.
func (r *Runner) translateByLine(ctx context.Context, file *subtitle.File, req *model.TranslationRequest, progress batch.ProgressFunc) error {
	total := len(file.Items)
	for i := range file.Items {
		item := &file.Items[i]
		text := item.Text()
		if subtitle.Untranslatable(text) {
			item.TranslatedLines = append([]string(nil), item.Lines...)
			continue
		}
		if r.cfg.Batch.StripFormatting {
			text = subtitle.StripMarkup(text)
		}

		out, err := r.translateLineWithRetry(ctx, text, req.SourceLanguage, req.TargetLanguage)
		if err != nil {
			return err
		}
		item.TranslatedLines = splitLines(out)

		if progress != nil {
			progress(100 * (i + 1) / total)
		}
	}
	return nil
}

func (r *Runner) translateLineWithRetry(ctx context.Context, text, src, tgt string) (string, error) {
	var out string
	err := r.retryTransient(ctx, func() error {
		var err error
		out, err = r.backend.TranslateLine(ctx, text, src, tgt)
		return err
	})
	return out, err
}

// retryTransient runs one backend call under the configured retry cap,
// backing off on rate limits and service failures. A provider Retry-After
// hint longer than the current delay wins.
func (r *Runner) retryTransient(ctx context.Context, op func() error) error {
	delay := r.cfg.RetryDelay
	var lastErr error
	for attempt := 1; ; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if translator.IsFatal(err) || !translator.IsRetryable(err) {
			return err
		}
		if attempt >= r.cfg.MaxRetries {
			break
		}

		wait := delay
		if hint, ok := translator.IsRateLimited(err); ok && hint > wait {
			wait = hint
		}
		log.Warn("translation attempt %d failed, retrying in %s: %v", attempt, wait, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		delay = time.Duration(float64(delay) * r.cfg.RetryDelayMultiplier)
	}
	return fmt.Errorf("translation exhausted %d attempts: %w", r.cfg.MaxRetries, lastErr)
}

// outputPath derives the sidecar path for the translated file:
// <base>[.<tag>].<target>.<ext> next to the media file.
func (r *Runner) outputPath(m model.Media, targetLang string, format subtitle.Format) string {
	name := m.BaseName()
	if r.cfg.UseTagging && r.cfg.Tag != "" {
		name += "." + r.cfg.Tag
	}
	name += "." + targetLang + "." + string(format)
	return filepath.Join(m.Dir(), name)
}

// TestResult summarizes a persistence-free test run.
type TestResult struct {
	Success    bool
	Total      int
	Translated int
	Duration   time.Duration
	Lines      []string
}

// TestLogFunc receives live log entries during a test run. Nil is fine.
type TestLogFunc func(level, message string)

// TestTranslate round-trips a handful of lines through the configured
// backend without touching persistence, for configuration smoke tests.
func (r *Runner) TestTranslate(ctx context.Context, lines []string, src, tgt string, logf TestLogFunc) (*TestResult, error) {
	if logf == nil {
		logf = func(string, string) {}
	}
	started := time.Now()
	res := &TestResult{Total: len(lines)}
	logf("info", fmt.Sprintf("test translation started: %d lines, %s -> %s via %s", len(lines), src, tgt, r.backend.Name()))

	if backend, ok := translator.AsBatch(r.backend); ok {
		out, err := backend.TranslateBatch(ctx, translator.BatchRequest{
			Lines:          lines,
			SourceLanguage: src,
			TargetLanguage: tgt,
		})
		res.Duration = time.Since(started)
		if err != nil {
			logf("error", fmt.Sprintf("batch call failed: %v", err))
			return res, err
		}
		res.Lines = out
		res.Translated = len(out)
		res.Success = true
		logf("info", fmt.Sprintf("test translation finished in %s", res.Duration))
		return res, nil
	}

	res.Lines = make([]string, len(lines))
	for i, line := range lines {
		translated, err := r.backend.TranslateLine(ctx, line, src, tgt)
		if err != nil {
			res.Duration = time.Since(started)
			logf("error", fmt.Sprintf("line %d failed: %v", i+1, err))
			return res, err
		}
		res.Lines[i] = translated
		res.Translated++
		logf("info", fmt.Sprintf("line %d/%d translated", i+1, len(lines)))
	}
	res.Duration = time.Since(started)
	res.Success = true
	logf("info", fmt.Sprintf("test translation finished in %s", res.Duration))
	return res, nil
}

func splitLines(s string) []string {
	return strings.Split(s, "\n")
}
