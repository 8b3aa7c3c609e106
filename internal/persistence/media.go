package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/subtrackd/subtrackd/internal/model"
)

// UpsertShow inserts or refreshes a show keyed on its external id and
// returns the local row id.
func (s *SQLiteStore) UpsertShow(ctx context.Context, show *model.Show) (int64, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO shows (external_id, title, path, exclude_from_translation, is_priority, priority_date, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(external_id) DO UPDATE SET
			title=excluded.title,
			path=excluded.path,
			exclude_from_translation=excluded.exclude_from_translation,
			is_priority=excluded.is_priority,
			priority_date=excluded.priority_date,
			updated_at=excluded.updated_at`,
		show.ExternalID,
		show.Title,
		show.Path,
		boolToInt(show.ExcludeFromTranslation),
		boolToInt(show.IsPriority),
		show.PriorityDate,
		now,
		now,
	)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.db.QueryRowContext(ctx, `SELECT id FROM shows WHERE external_id = ?`, show.ExternalID).Scan(&id)
	return id, err
}

func (s *SQLiteStore) UpsertSeason(ctx context.Context, season *model.Season) (int64, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO seasons (show_id, number, exclude_from_translation, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(show_id, number) DO UPDATE SET
			exclude_from_translation=excluded.exclude_from_translation,
			updated_at=excluded.updated_at`,
		season.ShowID,
		season.Number,
		boolToInt(season.ExcludeFromTranslation),
		now,
		now,
	)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.db.QueryRowContext(ctx, `SELECT id FROM seasons WHERE show_id = ? AND number = ?`, season.ShowID, season.Number).Scan(&id)
	return id, err
}

// UpsertEpisode refreshes inventory fields only; translation state and
// check timestamps survive the sync.
func (s *SQLiteStore) UpsertEpisode(ctx context.Context, ep *model.Episode) (int64, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO episodes (external_id, season_id, title, path, file_name, media_hash, date_added, exclude_from_translation, translation_age_threshold, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(external_id) DO UPDATE SET
			season_id=excluded.season_id,
			title=excluded.title,
			path=excluded.path,
			file_name=excluded.file_name,
			media_hash=excluded.media_hash,
			date_added=excluded.date_added,
			exclude_from_translation=excluded.exclude_from_translation,
			translation_age_threshold=excluded.translation_age_threshold,
			updated_at=excluded.updated_at`,
		ep.ExternalID,
		ep.SeasonID,
		ep.Title,
		ep.Path,
		ep.FileName,
		ep.MediaHash,
		ep.DateAdded,
		boolToInt(ep.ExcludeFromTranslation),
		ep.TranslationAgeThreshold,
		now,
		now,
	)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.db.QueryRowContext(ctx, `SELECT id FROM episodes WHERE external_id = ?`, ep.ExternalID).Scan(&id)
	return id, err
}

func (s *SQLiteStore) UpsertMovie(ctx context.Context, m *model.Movie) (int64, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO movies (external_id, title, path, file_name, media_hash, date_added, exclude_from_translation, is_priority, priority_date, translation_age_threshold, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(external_id) DO UPDATE SET
			title=excluded.title,
			path=excluded.path,
			file_name=excluded.file_name,
			media_hash=excluded.media_hash,
			date_added=excluded.date_added,
			exclude_from_translation=excluded.exclude_from_translation,
			is_priority=excluded.is_priority,
			priority_date=excluded.priority_date,
			translation_age_threshold=excluded.translation_age_threshold,
			updated_at=excluded.updated_at`,
		m.ExternalID,
		m.Title,
		m.Path,
		m.FileName,
		m.MediaHash,
		m.DateAdded,
		boolToInt(m.ExcludeFromTranslation),
		boolToInt(m.IsPriority),
		m.PriorityDate,
		m.TranslationAgeThreshold,
		now,
		now,
	)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.db.QueryRowContext(ctx, `SELECT id FROM movies WHERE external_id = ?`, m.ExternalID).Scan(&id)
	return id, err
}

const movieColumns = `m.id, m.external_id, m.title, m.path, m.file_name, m.media_hash,
	m.date_added, m.indexed_at, m.last_subtitle_check_at,
	m.exclude_from_translation, m.is_priority, m.priority_date, m.translation_age_threshold,
	m.translation_state, m.state_settings_version, m.created_at, m.updated_at`

func scanMovie(row interface{ Scan(...any) error }) (*model.Movie, error) {
	var m model.Movie
	var excluded, priority int
	var state string
	if err := row.Scan(
		&m.ID, &m.ExternalID, &m.Title, &m.Path, &m.FileName, &m.MediaHash,
		&m.DateAdded, &m.IndexedAtVal, &m.LastSubtitleCheckAt,
		&excluded, &priority, &m.PriorityDate, &m.TranslationAgeThreshold,
		&state, &m.StateSettingsVersion, &m.CreatedAt, &m.UpdatedAt,
	); err != nil {
		return nil, err
	}
	m.ExcludeFromTranslation = excluded == 1
	m.IsPriority = priority == 1
	m.State = model.TranslationState(state)
	return &m, nil
}

const episodeColumns = `e.id, e.external_id, e.season_id, e.title, e.path, e.file_name, e.media_hash,
	e.date_added, e.indexed_at, e.last_subtitle_check_at,
	e.exclude_from_translation, e.translation_age_threshold,
	e.translation_state, e.state_settings_version, e.created_at, e.updated_at,
	se.exclude_from_translation, sh.exclude_from_translation, sh.is_priority, sh.priority_date`

const episodeJoins = `FROM episodes e
	JOIN seasons se ON se.id = e.season_id
	JOIN shows sh ON sh.id = se.show_id`

func scanEpisode(row interface{ Scan(...any) error }) (*model.Episode, error) {
	var e model.Episode
	var excluded, seasonExcluded, showExcluded, showPriority int
	var state string
	if err := row.Scan(
		&e.ID, &e.ExternalID, &e.SeasonID, &e.Title, &e.Path, &e.FileName, &e.MediaHash,
		&e.DateAdded, &e.IndexedAtVal, &e.LastSubtitleCheckAt,
		&excluded, &e.TranslationAgeThreshold,
		&state, &e.StateSettingsVersion, &e.CreatedAt, &e.UpdatedAt,
		&seasonExcluded, &showExcluded, &showPriority, &e.ShowPriorityDate,
	); err != nil {
		return nil, err
	}
	e.ExcludeFromTranslation = excluded == 1
	e.SeasonExcluded = seasonExcluded == 1
	e.ShowExcluded = showExcluded == 1
	e.ShowPriority = showPriority == 1
	e.State = model.TranslationState(state)
	return &e, nil
}

func (s *SQLiteStore) GetMovie(ctx context.Context, id int64) (*model.Movie, error) {
	m, err := scanMovie(s.db.QueryRowContext(ctx, `SELECT `+movieColumns+` FROM movies m WHERE m.id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("movie %d not found", id)
	}
	if err != nil {
		return nil, err
	}
	m.Embedded, err = s.listEmbedded(ctx, m.ID, model.KindMovie)
	return m, err
}

func (s *SQLiteStore) GetEpisode(ctx context.Context, id int64) (*model.Episode, error) {
	e, err := scanEpisode(s.db.QueryRowContext(ctx, `SELECT `+episodeColumns+` `+episodeJoins+` WHERE e.id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("episode %d not found", id)
	}
	if err != nil {
		return nil, err
	}
	e.Embedded, err = s.listEmbedded(ctx, e.ID, model.KindEpisode)
	return e, err
}

// GetMedia resolves either kind behind the shared interface.
func (s *SQLiteStore) GetMedia(ctx context.Context, id int64, kind model.MediaKind) (model.Media, error) {
	switch kind {
	case model.KindMovie:
		return s.GetMovie(ctx, id)
	case model.KindEpisode:
		return s.GetEpisode(ctx, id)
	default:
		return nil, fmt.Errorf("unknown media kind %q", kind)
	}
}

func (s *SQLiteStore) ListMovies(ctx context.Context) ([]*model.Movie, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+movieColumns+` FROM movies m ORDER BY m.id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]*model.Movie, 0)
	for rows.Next() {
		m, err := scanMovie(rows)
		if err != nil {
			return nil, err
		}
		ret = append(ret, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, m := range ret {
		if m.Embedded, err = s.listEmbedded(ctx, m.ID, model.KindMovie); err != nil {
			return nil, err
		}
	}
	return ret, nil
}

func (s *SQLiteStore) ListEpisodes(ctx context.Context) ([]*model.Episode, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+episodeColumns+` `+episodeJoins+` ORDER BY e.id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]*model.Episode, 0)
	for rows.Next() {
		e, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		ret = append(ret, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, e := range ret {
		if e.Embedded, err = s.listEmbedded(ctx, e.ID, model.KindEpisode); err != nil {
			return nil, err
		}
	}
	return ret, nil
}

func mediaTable(kind model.MediaKind) (string, error) {
	switch kind {
	case model.KindMovie:
		return "movies", nil
	case model.KindEpisode:
		return "episodes", nil
	default:
		return "", fmt.Errorf("unknown media kind %q", kind)
	}
}

// ReplaceEmbedded swaps all embedded subtitle rows of one media item in a
// single transaction.
func (s *SQLiteStore) ReplaceEmbedded(ctx context.Context, mediaID int64, kind model.MediaKind, subs []model.EmbeddedSubtitle) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM embedded_subtitles WHERE media_id = ? AND media_kind = ?`, mediaID, string(kind)); err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, sub := range subs {
		if _, err = tx.ExecContext(
			ctx,
			`INSERT INTO embedded_subtitles (media_id, media_kind, stream_index, language, title, codec_name, is_text_based, is_default, is_forced, is_extracted, extracted_path, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			mediaID,
			string(kind),
			sub.StreamIndex,
			sub.Language,
			sub.Title,
			sub.CodecName,
			boolToInt(sub.IsTextBased),
			boolToInt(sub.IsDefault),
			boolToInt(sub.IsForced),
			boolToInt(sub.IsExtracted),
			sub.ExtractedPath,
			now,
			now,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) listEmbedded(ctx context.Context, mediaID int64, kind model.MediaKind) ([]model.EmbeddedSubtitle, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, media_id, media_kind, stream_index, language, title, codec_name, is_text_based, is_default, is_forced, is_extracted, extracted_path, created_at, updated_at
		 FROM embedded_subtitles
		 WHERE media_id = ? AND media_kind = ?
		 ORDER BY stream_index ASC`,
		mediaID,
		string(kind),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]model.EmbeddedSubtitle, 0)
	for rows.Next() {
		var sub model.EmbeddedSubtitle
		var mediaKind string
		var textBased, isDefault, isForced, isExtracted int
		if err := rows.Scan(
			&sub.ID, &sub.MediaID, &mediaKind, &sub.StreamIndex, &sub.Language, &sub.Title, &sub.CodecName,
			&textBased, &isDefault, &isForced, &isExtracted, &sub.ExtractedPath, &sub.CreatedAt, &sub.UpdatedAt,
		); err != nil {
			return nil, err
		}
		sub.MediaKind = model.MediaKind(mediaKind)
		sub.IsTextBased = textBased == 1
		sub.IsDefault = isDefault == 1
		sub.IsForced = isForced == 1
		sub.IsExtracted = isExtracted == 1
		ret = append(ret, sub)
	}
	return ret, rows.Err()
}

func (s *SQLiteStore) SetIndexedAt(ctx context.Context, mediaID int64, kind model.MediaKind, at time.Time) error {
	table, err := mediaTable(kind)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE `+table+` SET indexed_at = ?, updated_at = ? WHERE id = ?`, at.UTC(), time.Now().UTC(), mediaID)
	return err
}

func (s *SQLiteStore) SetLastSubtitleCheckAt(ctx context.Context, mediaID int64, kind model.MediaKind, at time.Time) error {
	table, err := mediaTable(kind)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE `+table+` SET last_subtitle_check_at = ?, updated_at = ? WHERE id = ?`, at.UTC(), time.Now().UTC(), mediaID)
	return err
}

// UpdateMediaState records a freshly computed translation state together
// with the language settings version it was computed under.
func (s *SQLiteStore) UpdateMediaState(ctx context.Context, mediaID int64, kind model.MediaKind, state model.TranslationState, settingsVersion int64) error {
	table, err := mediaTable(kind)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(
		ctx,
		`UPDATE `+table+` SET translation_state = ?, state_settings_version = ?, updated_at = ? WHERE id = ?`,
		string(state), settingsVersion, time.Now().UTC(), mediaID,
	)
	return err
}

// MarkAllStale invalidates every stored state so the next scheduler pass
// recomputes under the current language settings.
func (s *SQLiteStore) MarkAllStale(ctx context.Context) error {
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, `UPDATE movies SET translation_state = ?, updated_at = ?`, string(model.StateStale), now); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `UPDATE episodes SET translation_state = ?, updated_at = ?`, string(model.StateStale), now)
	return err
}

// NextWork returns up to limit media items needing translation work:
// Pending, Stale, and Unknown rows, plus AwaitingSource rows that were
// never probed. Ordered by priority when priorityFirst is set, then
// oldest subtitle check, then date added. The slots are split between
// movies and episodes so neither kind starves the other; a shortfall on
// one side is filled from the other.
func (s *SQLiteStore) NextWork(ctx context.Context, limit int, priorityFirst bool) ([]model.Media, error) {
	if limit <= 0 {
		return nil, nil
	}

	movies, err := s.workableMovies(ctx, limit, priorityFirst)
	if err != nil {
		return nil, err
	}
	episodes, err := s.workableEpisodes(ctx, limit, priorityFirst)
	if err != nil {
		return nil, err
	}

	half := (limit + 1) / 2
	takeMovies := min(len(movies), half)
	takeEpisodes := min(len(episodes), limit-takeMovies)
	takeMovies = min(len(movies), limit-takeEpisodes)

	ret := make([]model.Media, 0, takeMovies+takeEpisodes)
	for _, m := range movies[:takeMovies] {
		ret = append(ret, m)
	}
	for _, e := range episodes[:takeEpisodes] {
		ret = append(ret, e)
	}
	return ret, nil
}

// workableStates is the WHERE clause shared by both media kinds; the
// alias of the media table is interpolated.
func workableStates(alias string) (string, []any) {
	clause := alias + `.translation_state IN (?, ?, ?) OR (` + alias + `.translation_state = ? AND ` + alias + `.indexed_at IS NULL)`
	args := []any{
		string(model.StatePending),
		string(model.StateStale),
		string(model.StateUnknown),
		string(model.StateAwaitingSource),
	}
	return clause, args
}

func (s *SQLiteStore) workableMovies(ctx context.Context, limit int, priorityFirst bool) ([]*model.Movie, error) {
	where, args := workableStates("m")
	order := `m.last_subtitle_check_at IS NOT NULL, m.last_subtitle_check_at ASC, m.date_added ASC`
	if priorityFirst {
		order = `m.is_priority DESC, m.priority_date ASC, ` + order
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+movieColumns+` FROM movies m
		 WHERE `+where+`
		 ORDER BY `+order+`
		 LIMIT ?`,
		append(args, limit)...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]*model.Movie, 0)
	for rows.Next() {
		m, err := scanMovie(rows)
		if err != nil {
			return nil, err
		}
		ret = append(ret, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, m := range ret {
		if m.Embedded, err = s.listEmbedded(ctx, m.ID, model.KindMovie); err != nil {
			return nil, err
		}
	}
	return ret, nil
}

func (s *SQLiteStore) workableEpisodes(ctx context.Context, limit int, priorityFirst bool) ([]*model.Episode, error) {
	where, args := workableStates("e")
	order := `e.last_subtitle_check_at IS NOT NULL, e.last_subtitle_check_at ASC, e.date_added ASC`
	if priorityFirst {
		order = `sh.is_priority DESC, sh.priority_date ASC, ` + order
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+episodeColumns+` `+episodeJoins+`
		 WHERE `+where+`
		 ORDER BY `+order+`
		 LIMIT ?`,
		append(args, limit)...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]*model.Episode, 0)
	for rows.Next() {
		e, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		ret = append(ret, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, e := range ret {
		if e.Embedded, err = s.listEmbedded(ctx, e.ID, model.KindEpisode); err != nil {
			return nil, err
		}
	}
	return ret, nil
}

// ListMediaByState returns ids of media whose stored state matches, used
// by the scheduler to find stale or unknown rows needing recompute.
func (s *SQLiteStore) ListMediaByState(ctx context.Context, states ...model.TranslationState) ([]model.Media, error) {
	if len(states) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(states))
	args := make([]any, len(states))
	for i, st := range states {
		placeholders[i] = "?"
		args[i] = string(st)
	}
	in := "(" + strings.Join(placeholders, ", ") + ")"

	ret := make([]model.Media, 0)

	rows, err := s.db.QueryContext(ctx, `SELECT `+movieColumns+` FROM movies m WHERE m.translation_state IN `+in, args...)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		m, err := scanMovie(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		ret = append(ret, m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `SELECT `+episodeColumns+` `+episodeJoins+` WHERE e.translation_state IN `+in, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		e, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		ret = append(ret, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, m := range ret {
		switch v := m.(type) {
		case *model.Movie:
			if v.Embedded, err = s.listEmbedded(ctx, v.ID, model.KindMovie); err != nil {
				return nil, err
			}
		case *model.Episode:
			if v.Embedded, err = s.listEmbedded(ctx, v.ID, model.KindEpisode); err != nil {
				return nil, err
			}
		}
	}
	return ret, nil
}
