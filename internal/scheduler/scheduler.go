package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/language"

	"github.com/subtrackd/subtrackd/internal/lang"
	"github.com/subtrackd/subtrackd/internal/media"
	"github.com/subtrackd/subtrackd/internal/model"
	"github.com/subtrackd/subtrackd/internal/request"
	"github.com/subtrackd/subtrackd/internal/runner"
	"github.com/subtrackd/subtrackd/internal/state"
	"github.com/subtrackd/subtrackd/internal/subtitle"
	"github.com/subtrackd/subtrackd/internal/translator"
	"github.com/subtrackd/subtrackd/pkg/file"
	"github.com/subtrackd/subtrackd/pkg/log"
)

var (
	errNoLanguage     = errors.New("language not detectable")
	errNotASource     = errors.New("not a configured source language")
	errAlreadyPresent = errors.New("sidecar already present")
)

// Store is the slice of persistence the scheduler drives.
type Store interface {
	ListMovies(ctx context.Context) ([]*model.Movie, error)
	ListEpisodes(ctx context.Context) ([]*model.Episode, error)
	ListMediaByState(ctx context.Context, states ...model.TranslationState) ([]model.Media, error)
	NextWork(ctx context.Context, limit int, priorityFirst bool) ([]model.Media, error)
	UpdateMediaState(ctx context.Context, mediaID int64, kind model.MediaKind, state model.TranslationState, settingsVersion int64) error
	SetLastSubtitleCheckAt(ctx context.Context, mediaID int64, kind model.MediaKind, at time.Time) error
	LanguageSettingsVersion(ctx context.Context) (int64, error)
	GetMedia(ctx context.Context, id int64, kind model.MediaKind) (model.Media, error)
	GetRequest(ctx context.Context, id int64) (*model.TranslationRequest, error)
	ListRequestsByStatus(ctx context.Context, statuses ...model.RequestStatus) ([]*model.TranslationRequest, error)
	ReplaceEmbedded(ctx context.Context, mediaID int64, kind model.MediaKind, subs []model.EmbeddedSubtitle) error
	SetIndexedAt(ctx context.Context, mediaID int64, kind model.MediaKind, at time.Time) error
}

// Config carries scheduling knobs.
type Config struct {
	// Cron specs for the two recurring passes.
	IndexSchedule     string
	TranslateSchedule string
	// MaxParallel is the worker pool size.
	MaxParallel int
	// WorkBatch caps how many media items one translate pass enqueues.
	WorkBatch int
	// DefaultCooldown is the breaker window when the provider gives no
	// Retry-After hint.
	DefaultCooldown time.Duration
	// ShutdownTimeout bounds how long Stop waits for running workers.
	ShutdownTimeout time.Duration
	// ExtractionMode "extract_all" materializes source-language embedded
	// streams as sidecars during the index pass; "on_demand" leaves
	// extraction to the translation runner.
	ExtractionMode string

	SourceLanguages []model.LanguageOption
	TargetLanguages []model.LanguageOption
}

// Scheduler owns the recurring passes and the translation worker pool.
type Scheduler struct {
	store    Store
	engine   *state.Engine
	requests *request.Service
	runner   *runner.Runner
	prober   *media.Prober
	breaker  *Breaker
	cfg      Config

	cron    *cron.Cron
	passes  singleflight.Group
	pending chan int64
	wg      sync.WaitGroup

	mu       sync.Mutex
	inflight map[int64]bool
}

func New(store Store, engine *state.Engine, requests *request.Service, run *runner.Runner, prober *media.Prober, cfg Config) *Scheduler {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}
	if cfg.WorkBatch <= 0 {
		cfg.WorkBatch = 20
	}
	if cfg.DefaultCooldown <= 0 {
		cfg.DefaultCooldown = 5 * time.Minute
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	return &Scheduler{
		store:    store,
		engine:   engine,
		requests: requests,
		runner:   run,
		prober:   prober,
		breaker:  NewBreaker(),
		cfg:      cfg,
		cron:     cron.New(),
		pending:  make(chan int64, 256),
		inflight: make(map[int64]bool),
	}
}

// Start launches the worker pool and registers the cron passes.
func (s *Scheduler) Start(ctx context.Context) error {
	for i := 0; i < s.cfg.MaxParallel; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}

	if s.cfg.IndexSchedule != "" {
		if _, err := s.cron.AddFunc(s.cfg.IndexSchedule, func() { s.IndexPass(ctx) }); err != nil {
			return err
		}
	}
	if s.cfg.TranslateSchedule != "" {
		if _, err := s.cron.AddFunc(s.cfg.TranslateSchedule, func() { s.TranslatePass(ctx) }); err != nil {
			return err
		}
	}
	s.cron.Start()
	log.Info("scheduler started: %d workers, index %q, translate %q", s.cfg.MaxParallel, s.cfg.IndexSchedule, s.cfg.TranslateSchedule)
	return nil
}

// Stop halts cron, drains the pool, and waits up to the shutdown timeout
// for running translations to finish or cancel.
func (s *Scheduler) Stop() {
	cronCtx := s.cron.Stop()
	<-cronCtx.Done()
	close(s.pending)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info("scheduler stopped")
	case <-time.After(s.cfg.ShutdownTimeout):
		log.Warn("scheduler stop timed out after %s", s.cfg.ShutdownTimeout)
	}
}

// IndexPass re-probes media whose directory changed since the last check
// and recomputes stored states invalidated by settings changes. At most
// one pass runs at a time.
func (s *Scheduler) IndexPass(ctx context.Context) {
	_, _, _ = s.passes.Do("index", func() (any, error) {
		s.indexPass(ctx)
		return nil, nil
	})
}

func (s *Scheduler) indexPass(ctx context.Context) {
	version, err := s.store.LanguageSettingsVersion(ctx)
	if err != nil {
		log.Error("index pass: load settings version: %v", err)
		return
	}

	all, err := s.allMedia(ctx)
	if err != nil {
		log.Error("index pass: list media: %v", err)
		return
	}

	indexed, recomputed := 0, 0
	for _, m := range all {
		if ctx.Err() != nil {
			return
		}
		if s.needsReindex(m) {
			if err := s.prober.SyncEmbedded(ctx, s.store, m); err != nil {
				log.Warn("index pass: sync %s: %v", m.MediaTitle(), err)
			} else {
				indexed++
			}
			if err := s.store.SetLastSubtitleCheckAt(ctx, m.MediaID(), m.Kind(), time.Now().UTC()); err != nil {
				log.Warn("index pass: stamp check time for %s: %v", m.MediaTitle(), err)
			}
			// re-read so the state computation sees fresh streams
			if fresh := s.reload(ctx, m); fresh != nil {
				m = fresh
			}
			if s.cfg.ExtractionMode == "extract_all" {
				s.extractAll(ctx, m)
			}
		}

		st, err := s.engine.Compute(ctx, m, s.cfg.SourceLanguages, s.cfg.TargetLanguages)
		if err != nil {
			log.Warn("index pass: compute state for %s: %v", m.MediaTitle(), err)
			continue
		}
		if err := s.store.UpdateMediaState(ctx, m.MediaID(), m.Kind(), st, version); err != nil {
			log.Warn("index pass: store state for %s: %v", m.MediaTitle(), err)
			continue
		}
		recomputed++
	}
	log.Info("index pass done: %d re-probed, %d states recomputed", indexed, recomputed)
}

// needsReindex checks whether the media directory changed after the last
// subtitle check, or was never probed.
func (s *Scheduler) needsReindex(m model.Media) bool {
	if m.IndexedAt() == nil {
		return true
	}
	var lastCheck *time.Time
	switch v := m.(type) {
	case *model.Movie:
		lastCheck = v.LastSubtitleCheckAt
	case *model.Episode:
		lastCheck = v.LastSubtitleCheckAt
	}
	if lastCheck == nil {
		return true
	}
	if _, err := os.Stat(m.Dir()); err != nil {
		return false
	}
	mtime, err := file.LatestModTime(m.Dir())
	if err != nil {
		return false
	}
	return mtime.After(*lastCheck)
}

// extractAll materializes text-based embedded streams in a configured
// source language as sidecar files. Untagged streams are extracted,
// language-detected from their content, and renamed or discarded.
func (s *Scheduler) extractAll(ctx context.Context, m model.Media) {
	mediaPath, err := media.ResolveMediaFile(m.Dir(), m.BaseName())
	if err != nil {
		return
	}

	for _, stream := range m.EmbeddedStreams() {
		if ctx.Err() != nil {
			return
		}
		if !stream.IsTextBased {
			continue
		}
		code := lang.Normalize(stream.Language)
		if code != "" {
			if !s.isSourceLanguage(code) {
				continue
			}
			if media.HasExternalSubtitle(m.Dir(), m.BaseName(), code) {
				continue
			}
		}

		out, err := s.prober.Extract(ctx, mediaPath, stream.StreamIndex, stream.CodecName, stream.Language)
		if err != nil {
			log.Warn("extract stream %d of %s: %v", stream.StreamIndex, m.MediaTitle(), err)
			continue
		}
		if code != "" {
			log.Info("extracted %s sidecar for %s", code, m.MediaTitle())
			continue
		}
		if err := s.claimUntagged(out, m); err != nil {
			log.Debug("discarding extracted stream %d of %s: %v", stream.StreamIndex, m.MediaTitle(), err)
			_ = os.Remove(out)
		}
	}
}

// claimUntagged detects the language of an extracted, untagged sidecar
// and renames it to carry the detected code. Streams not in a source
// language, or undetectable ones, are rejected.
func (s *Scheduler) claimUntagged(path string, m model.Media) error {
	f, err := subtitle.Read(path)
	if err != nil {
		return err
	}
	tag := subtitle.DetectLanguage(f)
	if tag == language.Und {
		return errNoLanguage
	}
	base, _ := tag.Base()
	code := lang.Normalize(base.String())
	if !s.isSourceLanguage(code) {
		return errNotASource
	}
	if media.HasExternalSubtitle(m.Dir(), m.BaseName(), code) {
		return errAlreadyPresent
	}

	ext := filepath.Ext(path)
	renamed := file.ReplaceExt(strings.TrimSuffix(path, ext), code) + ext
	if err := os.Rename(path, renamed); err != nil {
		return err
	}
	log.Info("extracted %s sidecar for %s (detected)", code, m.MediaTitle())
	return nil
}

func (s *Scheduler) isSourceLanguage(code string) bool {
	for _, src := range s.cfg.SourceLanguages {
		if lang.Matches(code, src.Code) {
			return true
		}
	}
	return false
}

func (s *Scheduler) reload(ctx context.Context, m model.Media) model.Media {
	fresh, err := s.store.GetMedia(ctx, m.MediaID(), m.Kind())
	if err != nil {
		return nil
	}
	return fresh
}

func (s *Scheduler) allMedia(ctx context.Context) ([]model.Media, error) {
	movies, err := s.store.ListMovies(ctx)
	if err != nil {
		return nil, err
	}
	episodes, err := s.store.ListEpisodes(ctx)
	if err != nil {
		return nil, err
	}
	all := make([]model.Media, 0, len(movies)+len(episodes))
	for _, m := range movies {
		all = append(all, m)
	}
	for _, e := range episodes {
		all = append(all, e)
	}
	return all, nil
}

// TranslatePass turns pending media into requests and feeds the worker
// pool. At most one pass runs at a time.
func (s *Scheduler) TranslatePass(ctx context.Context) {
	_, _, _ = s.passes.Do("translate", func() (any, error) {
		s.translatePass(ctx)
		return nil, nil
	})
}

func (s *Scheduler) translatePass(ctx context.Context) {
	version, err := s.store.LanguageSettingsVersion(ctx)
	if err != nil {
		log.Error("translate pass: load settings version: %v", err)
		return
	}
	work, err := s.store.NextWork(ctx, s.cfg.WorkBatch, true)
	if err != nil {
		log.Error("translate pass: next work: %v", err)
		return
	}

	created := 0
	for _, m := range work {
		if ctx.Err() != nil {
			return
		}
		// stale, unknown, and never-probed rows ride along with pending
		// ones; settle their state before deciding on work
		if m.IndexedAt() == nil {
			if err := s.prober.SyncEmbedded(ctx, s.store, m); err != nil {
				log.Warn("translate pass: sync %s: %v", m.MediaTitle(), err)
			} else if fresh := s.reload(ctx, m); fresh != nil {
				m = fresh
			}
		}
		st, err := s.engine.Compute(ctx, m, s.cfg.SourceLanguages, s.cfg.TargetLanguages)
		if err != nil {
			log.Warn("translate pass: compute state for %s: %v", m.MediaTitle(), err)
			continue
		}
		if err := s.store.UpdateMediaState(ctx, m.MediaID(), m.Kind(), st, version); err != nil {
			log.Warn("translate pass: store state for %s: %v", m.MediaTitle(), err)
		}
		if st != model.StatePending {
			continue
		}
		srcCode, ok := s.availableSource(m)
		if !ok {
			continue
		}
		for _, tgt := range state.MissingTargets(m, s.cfg.TargetLanguages) {
			if lang.Matches(srcCode, tgt.Code) {
				continue
			}
			if _, err := s.requests.Create(ctx, m, srcCode, tgt.Code); err != nil {
				log.Warn("translate pass: create request for %s -> %s: %v", m.MediaTitle(), tgt.Code, err)
				continue
			}
			created++
		}
	}

	enqueued := s.hydrate(ctx)
	if created > 0 || enqueued > 0 {
		log.Info("translate pass done: %d requests created, %d enqueued", created, enqueued)
	}
}

// availableSource returns the configured source language this media can
// actually supply, preferring sidecars over embedded streams.
func (s *Scheduler) availableSource(m model.Media) (string, bool) {
	path, stream := state.ResolveSource(m, s.cfg.SourceLanguages)
	if path != "" {
		for _, src := range s.cfg.SourceLanguages {
			if media.HasExternalSubtitle(m.Dir(), m.BaseName(), src.Code) {
				return src.Code, true
			}
		}
	}
	if stream != nil {
		return lang.Normalize(stream.Language), true
	}
	return "", false
}

// ReenqueueQueued pushes every pending request back into the worker
// pool without waiting for the next translate tick. Used after
// restarts and bulk retries.
func (s *Scheduler) ReenqueueQueued(ctx context.Context) int {
	return s.hydrate(ctx)
}

// hydrate pushes every pending request id into the pool, skipping ones
// already in flight.
func (s *Scheduler) hydrate(ctx context.Context) int {
	pending, err := s.store.ListRequestsByStatus(ctx, model.StatusPending)
	if err != nil {
		log.Error("hydrate: list pending: %v", err)
		return 0
	}
	n := 0
	for _, req := range pending {
		if !s.markInflight(req.ID) {
			continue
		}
		select {
		case s.pending <- req.ID:
			n++
		default:
			s.clearInflight(req.ID)
			log.Warn("worker queue full, request %d waits for the next pass", req.ID)
			return n
		}
	}
	return n
}

func (s *Scheduler) markInflight(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[id] {
		return false
	}
	s.inflight[id] = true
	return true
}

func (s *Scheduler) clearInflight(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, id)
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for id := range s.pending {
		s.execute(ctx, id)
		s.clearInflight(id)
	}
}

func (s *Scheduler) execute(ctx context.Context, id int64) {
	if ctx.Err() != nil {
		return
	}
	req, err := s.store.GetRequest(ctx, id)
	if err != nil || req == nil {
		log.Warn("worker: request %d not loadable: %v", id, err)
		return
	}
	if req.Status != model.StatusPending {
		return
	}

	provider := s.runner.Backend()
	if !s.breaker.Allow(provider) {
		if at, ok := s.breaker.RetryAt(provider); ok {
			log.Debug("worker: %s cooling down until %s, request %d stays queued", provider, at.Format(time.RFC3339), id)
		}
		return
	}

	err = s.runner.Execute(ctx, req)
	if retryAfter, ok := translator.IsRateLimited(err); ok {
		if retryAfter <= 0 {
			retryAfter = s.cfg.DefaultCooldown
		}
		s.breaker.Trip(provider, retryAfter)
		log.Warn("worker: %s rate limited, breaker open for %s", provider, retryAfter)
	}
}
