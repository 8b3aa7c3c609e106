package scheduler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subtrackd/subtrackd/internal/batch"
	"github.com/subtrackd/subtrackd/internal/integrity"
	"github.com/subtrackd/subtrackd/internal/media"
	"github.com/subtrackd/subtrackd/internal/model"
	"github.com/subtrackd/subtrackd/internal/persistence"
	"github.com/subtrackd/subtrackd/internal/request"
	"github.com/subtrackd/subtrackd/internal/runner"
	"github.com/subtrackd/subtrackd/internal/state"
	"github.com/subtrackd/subtrackd/internal/translator"
)

func TestBreaker_AllowTripAndRecover(t *testing.T) {
	b := NewBreaker()
	assert.True(t, b.Allow("localai"))

	b.Trip("localai", 50*time.Millisecond)
	assert.False(t, b.Allow("localai"))
	_, open := b.RetryAt("localai")
	assert.True(t, open)

	// other providers are unaffected
	assert.True(t, b.Allow("other"))

	require.Eventually(t, func() bool { return b.Allow("localai") }, time.Second, 10*time.Millisecond)
}

func TestBreaker_KeepsLongerCooldown(t *testing.T) {
	b := NewBreaker()
	b.Trip("p", time.Hour)
	longer, _ := b.RetryAt("p")
	b.Trip("p", time.Millisecond)
	still, _ := b.RetryAt("p")
	assert.Equal(t, longer, still)
}

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": req.Messages[len(req.Messages)-1].Content}},
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

type harness struct {
	store     *persistence.SQLiteStore
	scheduler *Scheduler
	requests  *request.Service
	dir       string
	movieID   int64
}

const sampleSRT = "1\r\n00:00:01,000 --> 00:00:02,000\r\nHello\r\n\r\n"

func newHarness(t *testing.T, backendURL string) *harness {
	t.Helper()
	ctx := context.Background()

	store, err := persistence.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "heat.1995.mkv"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "heat.1995.en.srt"), []byte(sampleSRT), 0o644))

	movieID, err := store.UpsertMovie(ctx, &model.Movie{ExternalID: 1, Title: "Heat", Path: dir, FileName: "heat.1995"})
	require.NoError(t, err)

	sources := []model.LanguageOption{{Code: "en", Name: "English"}}
	targets := []model.LanguageOption{{Code: "fr", Name: "French"}}

	backend, err := translator.NewLLMTranslator(translator.LLMConfig{APIURL: backendURL, Model: "m"})
	require.NoError(t, err)

	svc := request.NewService(store)
	run := runner.New(store, svc, backend, media.NewProber(), integrity.Checker{}, runner.Config{
		UseBatch:        true,
		Batch:           batch.Options{MaxBatchSize: 10},
		SourceLanguages: sources,
	})

	sched := New(store, state.NewEngine(store), svc, run, media.NewProber(), Config{
		MaxParallel:     1,
		SourceLanguages: sources,
		TargetLanguages: targets,
		ShutdownTimeout: 5 * time.Second,
	})
	return &harness{store: store, scheduler: sched, requests: svc, dir: dir, movieID: movieID}
}

func TestIndexPass_ComputesStates(t *testing.T) {
	h := newHarness(t, "http://localhost:0")
	ctx := context.Background()

	h.scheduler.IndexPass(ctx)

	m, err := h.store.GetMovie(ctx, h.movieID)
	require.NoError(t, err)
	assert.Equal(t, model.StatePending, m.State)
	assert.NotNil(t, m.LastSubtitleCheckAt)
}

func TestIndexPass_ExcludedIsNotApplicable(t *testing.T) {
	h := newHarness(t, "http://localhost:0")
	ctx := context.Background()

	_, err := h.store.UpsertMovie(ctx, &model.Movie{ExternalID: 1, Title: "Heat", Path: h.dir, FileName: "heat.1995", ExcludeFromTranslation: true})
	require.NoError(t, err)

	h.scheduler.IndexPass(ctx)

	m, err := h.store.GetMovie(ctx, h.movieID)
	require.NoError(t, err)
	assert.Equal(t, model.StateNotApplicable, m.State)
}

func TestTranslatePass_CreatesRequestsAndExecutes(t *testing.T) {
	h := newHarness(t, echoServer(t).URL)
	ctx := context.Background()

	h.scheduler.IndexPass(ctx)
	require.NoError(t, h.scheduler.Start(ctx))
	defer h.scheduler.Stop()

	h.scheduler.TranslatePass(ctx)

	require.Eventually(t, func() bool {
		done, err := h.store.ListRequestsByStatus(ctx, model.StatusCompleted)
		return err == nil && len(done) == 1
	}, 10*time.Second, 50*time.Millisecond)

	_, err := os.Stat(filepath.Join(h.dir, "heat.1995.fr.srt"))
	assert.NoError(t, err)
}

func TestTranslatePass_SecondPassIsIdempotent(t *testing.T) {
	h := newHarness(t, echoServer(t).URL)
	ctx := context.Background()

	h.scheduler.IndexPass(ctx)
	require.NoError(t, h.scheduler.Start(ctx))
	defer h.scheduler.Stop()

	h.scheduler.TranslatePass(ctx)

	require.Eventually(t, func() bool {
		done, err := h.store.ListRequestsByStatus(ctx, model.StatusCompleted)
		return err == nil && len(done) == 1
	}, 10*time.Second, 50*time.Millisecond)

	// the target sidecar now exists, so the next index pass flips the
	// movie to complete and the next translate pass creates nothing
	h.scheduler.IndexPass(ctx)
	m, err := h.store.GetMovie(ctx, h.movieID)
	require.NoError(t, err)
	assert.Equal(t, model.StateComplete, m.State)

	h.scheduler.TranslatePass(ctx)
	all, err := h.store.ListRequestsForMedia(ctx, h.movieID, model.KindMovie)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestTranslatePass_NoSourceCreatesNothing(t *testing.T) {
	h := newHarness(t, "http://localhost:0")
	ctx := context.Background()

	require.NoError(t, os.Remove(filepath.Join(h.dir, "heat.1995.en.srt")))

	h.scheduler.IndexPass(ctx)
	m, err := h.store.GetMovie(ctx, h.movieID)
	require.NoError(t, err)
	assert.Equal(t, model.StateAwaitingSource, m.State)

	h.scheduler.TranslatePass(ctx)
	all, err := h.store.ListRequestsForMedia(ctx, h.movieID, model.KindMovie)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestReenqueueQueued_PicksUpPendingWork(t *testing.T) {
	h := newHarness(t, echoServer(t).URL)
	ctx := context.Background()

	m, err := h.store.GetMovie(ctx, h.movieID)
	require.NoError(t, err)
	_, err = h.requests.Create(ctx, m, "en", "fr")
	require.NoError(t, err)

	require.NoError(t, h.scheduler.Start(ctx))
	defer h.scheduler.Stop()

	assert.Equal(t, 1, h.scheduler.ReenqueueQueued(ctx))

	require.Eventually(t, func() bool {
		done, err := h.store.ListRequestsByStatus(ctx, model.StatusCompleted)
		return err == nil && len(done) == 1
	}, 10*time.Second, 50*time.Millisecond)
}

const englishSRT = "1\r\n00:00:01,000 --> 00:00:02,000\r\nThe quick brown fox jumps over the lazy dog.\r\n\r\n" +
	"2\r\n00:00:03,000 --> 00:00:04,000\r\nWe should leave before the storm gets any worse.\r\n\r\n" +
	"3\r\n00:00:05,000 --> 00:00:06,000\r\nNobody ever tells me anything around here.\r\n\r\n"

const frenchSRT = "1\r\n00:00:01,000 --> 00:00:02,000\r\nJe ne sais pas ce que vous voulez dire, monsieur.\r\n\r\n" +
	"2\r\n00:00:03,000 --> 00:00:04,000\r\nNous devrions partir avant que la tempête n'empire.\r\n\r\n" +
	"3\r\n00:00:05,000 --> 00:00:06,000\r\nPersonne ne me dit jamais rien ici.\r\n\r\n"

func TestClaimUntagged_RenamesDetectedSource(t *testing.T) {
	h := newHarness(t, "http://localhost:0")
	ctx := context.Background()

	// no tagged sidecar yet, the extracted stream should become one
	require.NoError(t, os.Remove(filepath.Join(h.dir, "heat.1995.en.srt")))
	path := filepath.Join(h.dir, "heat.1995.stream0.srt")
	require.NoError(t, os.WriteFile(path, []byte(englishSRT), 0o644))

	m, err := h.store.GetMovie(ctx, h.movieID)
	require.NoError(t, err)

	require.NoError(t, h.scheduler.claimUntagged(path, m))
	_, err = os.Stat(filepath.Join(h.dir, "heat.1995.en.srt"))
	assert.NoError(t, err)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestClaimUntagged_RejectsNonSourceLanguage(t *testing.T) {
	h := newHarness(t, "http://localhost:0")
	ctx := context.Background()

	path := filepath.Join(h.dir, "heat.1995.stream1.srt")
	require.NoError(t, os.WriteFile(path, []byte(frenchSRT), 0o644))

	m, err := h.store.GetMovie(ctx, h.movieID)
	require.NoError(t, err)

	assert.ErrorIs(t, h.scheduler.claimUntagged(path, m), errNotASource)
}

func TestClaimUntagged_SkipsWhenSidecarExists(t *testing.T) {
	h := newHarness(t, "http://localhost:0")
	ctx := context.Background()

	// the harness already has heat.1995.en.srt
	path := filepath.Join(h.dir, "heat.1995.stream0.srt")
	require.NoError(t, os.WriteFile(path, []byte(englishSRT), 0o644))

	m, err := h.store.GetMovie(ctx, h.movieID)
	require.NoError(t, err)

	assert.ErrorIs(t, h.scheduler.claimUntagged(path, m), errAlreadyPresent)
}

func TestTranslatePass_RecomputesStaleMedia(t *testing.T) {
	h := newHarness(t, echoServer(t).URL)
	ctx := context.Background()

	h.scheduler.IndexPass(ctx)
	require.NoError(t, h.store.UpdateMediaState(ctx, h.movieID, model.KindMovie, model.StateStale, 2))

	require.NoError(t, h.scheduler.Start(ctx))
	defer h.scheduler.Stop()

	h.scheduler.TranslatePass(ctx)

	// the stale row is settled before any work is queued
	m, err := h.store.GetMovie(ctx, h.movieID)
	require.NoError(t, err)
	assert.Equal(t, model.StatePending, m.State)

	require.Eventually(t, func() bool {
		done, err := h.store.ListRequestsByStatus(ctx, model.StatusCompleted)
		return err == nil && len(done) == 1
	}, 10*time.Second, 50*time.Millisecond)
}

func TestRateLimitTripsBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3600")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	h := newHarness(t, srv.URL)
	ctx := context.Background()

	h.scheduler.IndexPass(ctx)
	require.NoError(t, h.scheduler.Start(ctx))
	defer h.scheduler.Stop()

	h.scheduler.TranslatePass(ctx)

	require.Eventually(t, func() bool {
		return !h.scheduler.breaker.Allow("localai")
	}, 10*time.Second, 50*time.Millisecond)
}
