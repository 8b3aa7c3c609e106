package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subtrackd/subtrackd/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "subtrackd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func addMovie(t *testing.T, store *SQLiteStore, externalID int64, title string) int64 {
	t.Helper()
	added := time.Now().UTC().Add(-time.Duration(externalID) * time.Hour)
	id, err := store.UpsertMovie(context.Background(), &model.Movie{
		ExternalID: externalID,
		Title:      title,
		Path:       "/media/movies/" + title,
		FileName:   title,
		DateAdded:  &added,
	})
	require.NoError(t, err)
	return id
}

func TestUpsertMovie_IsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id1 := addMovie(t, store, 42, "Heat")
	id2 := addMovie(t, store, 42, "Heat (1995)")
	assert.Equal(t, id1, id2)

	m, err := store.GetMovie(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, "Heat (1995)", m.Title)
}

func TestUpsertEpisode_InheritsShowFlags(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	showID, err := store.UpsertShow(ctx, &model.Show{ExternalID: 1, Title: "Dark", ExcludeFromTranslation: true, IsPriority: true})
	require.NoError(t, err)
	seasonID, err := store.UpsertSeason(ctx, &model.Season{ShowID: showID, Number: 1})
	require.NoError(t, err)
	epID, err := store.UpsertEpisode(ctx, &model.Episode{ExternalID: 10, SeasonID: seasonID, Title: "Secrets", Path: "/tv/dark/s01", FileName: "dark.s01e01"})
	require.NoError(t, err)

	ep, err := store.GetEpisode(ctx, epID)
	require.NoError(t, err)
	assert.True(t, ep.ShowExcluded)
	assert.True(t, ep.Excluded())
	assert.True(t, ep.Priority())
}

func TestReplaceEmbedded_SwapsRows(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := addMovie(t, store, 1, "Heat")

	require.NoError(t, store.ReplaceEmbedded(ctx, id, model.KindMovie, []model.EmbeddedSubtitle{
		{StreamIndex: 0, Language: "en", CodecName: "subrip", IsTextBased: true},
		{StreamIndex: 1, Language: "ja", CodecName: "hdmv_pgs_subtitle"},
	}))
	require.NoError(t, store.ReplaceEmbedded(ctx, id, model.KindMovie, []model.EmbeddedSubtitle{
		{StreamIndex: 0, Language: "de", CodecName: "ass", IsTextBased: true},
	}))

	m, err := store.GetMovie(ctx, id)
	require.NoError(t, err)
	require.Len(t, m.Embedded, 1)
	assert.Equal(t, "de", m.Embedded[0].Language)
	assert.True(t, m.Embedded[0].IsTextBased)
}

func TestSetIndexedAt(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := addMovie(t, store, 1, "Heat")

	at := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.SetIndexedAt(ctx, id, model.KindMovie, at))

	m, err := store.GetMovie(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, m.IndexedAt())
	assert.True(t, m.IndexedAt().Equal(at))
}

func TestInsertRequest_DedupesOnActiveSlot(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := addMovie(t, store, 1, "Heat")

	first := &model.TranslationRequest{Title: "Heat", SourceLanguage: "en", TargetLanguage: "fr", MediaID: id, MediaKind: model.KindMovie}
	require.NoError(t, store.InsertRequest(ctx, first))
	assert.NotZero(t, first.ID)
	assert.True(t, first.Active())

	dup := &model.TranslationRequest{Title: "Heat", SourceLanguage: "en", TargetLanguage: "fr", MediaID: id, MediaKind: model.KindMovie}
	assert.ErrorIs(t, store.InsertRequest(ctx, dup), ErrDuplicateActive)

	// a different pair is fine
	other := &model.TranslationRequest{Title: "Heat", SourceLanguage: "en", TargetLanguage: "de", MediaID: id, MediaKind: model.KindMovie}
	require.NoError(t, store.InsertRequest(ctx, other))
}

func TestUpdateRequestStatus_TerminalFreesSlot(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := addMovie(t, store, 1, "Heat")

	req := &model.TranslationRequest{SourceLanguage: "en", TargetLanguage: "fr", MediaID: id, MediaKind: model.KindMovie}
	require.NoError(t, store.InsertRequest(ctx, req))
	require.NoError(t, store.UpdateRequestStatus(ctx, req.ID, model.StatusCompleted))

	got, err := store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.False(t, got.Active())
	assert.NotNil(t, got.CompletedAt)

	// the slot is free again
	again := &model.TranslationRequest{SourceLanguage: "en", TargetLanguage: "fr", MediaID: id, MediaKind: model.KindMovie}
	require.NoError(t, store.InsertRequest(ctx, again))

	active, err := store.ActiveRequest(ctx, id, model.KindMovie, "en", "fr")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, again.ID, active.ID)
}

func TestUpdateRequestProgress_NeverRegresses(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := addMovie(t, store, 1, "Heat")

	req := &model.TranslationRequest{SourceLanguage: "en", TargetLanguage: "fr", MediaID: id, MediaKind: model.KindMovie}
	require.NoError(t, store.InsertRequest(ctx, req))

	require.NoError(t, store.UpdateRequestProgress(ctx, req.ID, 60))
	require.NoError(t, store.UpdateRequestProgress(ctx, req.ID, 40))

	got, err := store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, 60, got.Progress)
}

func TestFailAllInProgress(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := addMovie(t, store, 1, "Heat")

	req := &model.TranslationRequest{SourceLanguage: "en", TargetLanguage: "fr", MediaID: id, MediaKind: model.KindMovie}
	require.NoError(t, store.InsertRequest(ctx, req))
	require.NoError(t, store.UpdateRequestStatus(ctx, req.ID, model.StatusInProgress))

	n, err := store.FailAllInProgress(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.False(t, got.Active())
}

func TestRequestLogs_AppendAndList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := addMovie(t, store, 1, "Heat")

	req := &model.TranslationRequest{SourceLanguage: "en", TargetLanguage: "fr", MediaID: id, MediaKind: model.KindMovie}
	require.NoError(t, store.InsertRequest(ctx, req))

	require.NoError(t, store.AppendRequestLog(ctx, req.ID, "info", "started", ""))
	require.NoError(t, store.AppendRequestLog(ctx, req.ID, "error", "backend failed", "status 502"))

	logs, err := store.ListRequestLogs(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "started", logs[0].Message)
	assert.Equal(t, "error", logs[1].Level)
}

func TestNextWork_BalancesKindsAndOrders(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	showID, err := store.UpsertShow(ctx, &model.Show{ExternalID: 1, Title: "Dark"})
	require.NoError(t, err)
	seasonID, err := store.UpsertSeason(ctx, &model.Season{ShowID: showID, Number: 1})
	require.NoError(t, err)

	var movieIDs, episodeIDs []int64
	for i := int64(1); i <= 3; i++ {
		id := addMovie(t, store, i, "Movie")
		require.NoError(t, store.UpdateMediaState(ctx, id, model.KindMovie, model.StatePending, 1))
		movieIDs = append(movieIDs, id)
	}
	for i := int64(10); i <= 12; i++ {
		added := time.Now().UTC().Add(-time.Duration(i) * time.Hour)
		id, err := store.UpsertEpisode(ctx, &model.Episode{ExternalID: i, SeasonID: seasonID, FileName: "ep", DateAdded: &added})
		require.NoError(t, err)
		require.NoError(t, store.UpdateMediaState(ctx, id, model.KindEpisode, model.StatePending, 1))
		episodeIDs = append(episodeIDs, id)
	}

	work, err := store.NextWork(ctx, 4, true)
	require.NoError(t, err)
	require.Len(t, work, 4)

	kinds := map[model.MediaKind]int{}
	for _, m := range work {
		kinds[m.Kind()]++
	}
	assert.Equal(t, 2, kinds[model.KindMovie])
	assert.Equal(t, 2, kinds[model.KindEpisode])
}

func TestNextWork_PriorityFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	plain := addMovie(t, store, 1, "Plain")
	require.NoError(t, store.UpdateMediaState(ctx, plain, model.KindMovie, model.StatePending, 1))

	now := time.Now().UTC()
	prioID, err := store.UpsertMovie(ctx, &model.Movie{ExternalID: 2, Title: "Urgent", FileName: "urgent", IsPriority: true, PriorityDate: &now, DateAdded: &now})
	require.NoError(t, err)
	require.NoError(t, store.UpdateMediaState(ctx, prioID, model.KindMovie, model.StatePending, 1))

	work, err := store.NextWork(ctx, 1, true)
	require.NoError(t, err)
	require.Len(t, work, 1)
	assert.Equal(t, prioID, work[0].MediaID())
}

func TestNextWork_FillsShortfallFromOtherKind(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := int64(1); i <= 4; i++ {
		id := addMovie(t, store, i, "Movie")
		require.NoError(t, store.UpdateMediaState(ctx, id, model.KindMovie, model.StatePending, 1))
	}

	work, err := store.NextWork(ctx, 4, true)
	require.NoError(t, err)
	assert.Len(t, work, 4)
}

func TestNextWork_IncludesStaleAndUnknown(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	stale := addMovie(t, store, 1, "Stale")
	require.NoError(t, store.UpdateMediaState(ctx, stale, model.KindMovie, model.StateStale, 1))
	// fresh rows start out unknown
	unknown := addMovie(t, store, 2, "Unseen")

	work, err := store.NextWork(ctx, 10, true)
	require.NoError(t, err)
	require.Len(t, work, 2)

	ids := map[int64]bool{}
	for _, m := range work {
		ids[m.MediaID()] = true
	}
	assert.True(t, ids[stale])
	assert.True(t, ids[unknown])
}

func TestNextWork_AwaitingSourceOnlyBeforeProbe(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	probed := addMovie(t, store, 1, "Probed")
	require.NoError(t, store.UpdateMediaState(ctx, probed, model.KindMovie, model.StateAwaitingSource, 1))
	require.NoError(t, store.SetIndexedAt(ctx, probed, model.KindMovie, time.Now().UTC()))

	unprobed := addMovie(t, store, 2, "Fresh")
	require.NoError(t, store.UpdateMediaState(ctx, unprobed, model.KindMovie, model.StateAwaitingSource, 1))

	work, err := store.NextWork(ctx, 10, true)
	require.NoError(t, err)
	require.Len(t, work, 1)
	assert.Equal(t, unprobed, work[0].MediaID())
}

func TestNextWork_PriorityFlagOff(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// older by date_added thanks to the externalID offset
	older := addMovie(t, store, 5, "Older")
	require.NoError(t, store.UpdateMediaState(ctx, older, model.KindMovie, model.StatePending, 1))

	now := time.Now().UTC()
	prioID, err := store.UpsertMovie(ctx, &model.Movie{ExternalID: 2, Title: "Urgent", FileName: "urgent", IsPriority: true, PriorityDate: &now, DateAdded: &now})
	require.NoError(t, err)
	require.NoError(t, store.UpdateMediaState(ctx, prioID, model.KindMovie, model.StatePending, 1))

	work, err := store.NextWork(ctx, 1, false)
	require.NoError(t, err)
	require.Len(t, work, 1)
	assert.Equal(t, older, work[0].MediaID())
}

func TestMarkAllStale(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := addMovie(t, store, 1, "Heat")
	require.NoError(t, store.UpdateMediaState(ctx, id, model.KindMovie, model.StateComplete, 1))

	require.NoError(t, store.MarkAllStale(ctx))

	stale, err := store.ListMediaByState(ctx, model.StateStale)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, id, stale[0].MediaID())
}

func TestLanguageSettingsVersion_Bumps(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	v, err := store.LanguageSettingsVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	v, err = store.BumpLanguageSettingsVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	v, err = store.BumpLanguageSettingsVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
}
