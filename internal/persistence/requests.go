package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/subtrackd/subtrackd/internal/model"
)

// ErrDuplicateActive signals that an active request already holds the
// (media, kind, source, target) slot.
var ErrDuplicateActive = errors.New("persistence: active request already exists")

const requestColumns = `id, title, source_language, target_language, subtitle_path, translated_subtitle,
	media_id, media_kind, status, progress, is_priority, is_active, completed_at, created_at, updated_at`

func scanRequest(row interface{ Scan(...any) error }) (*model.TranslationRequest, error) {
	var r model.TranslationRequest
	var kind, status string
	var priority int
	var active sql.NullInt64
	if err := row.Scan(
		&r.ID, &r.Title, &r.SourceLanguage, &r.TargetLanguage, &r.SubtitlePath, &r.TranslatedSubtitle,
		&r.MediaID, &kind, &status, &r.Progress, &priority, &active, &r.CompletedAt, &r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	r.MediaKind = model.MediaKind(kind)
	r.Status = model.RequestStatus(status)
	r.IsPriority = priority == 1
	if active.Valid && active.Int64 == 1 {
		t := true
		r.IsActive = &t
	}
	return &r, nil
}

// InsertRequest creates a new active request row and fills in its id.
// The partial unique index rejects a second active row for the same
// media/language pair; that conflict surfaces as ErrDuplicateActive.
func (s *SQLiteStore) InsertRequest(ctx context.Context, r *model.TranslationRequest) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO translation_requests (title, source_language, target_language, subtitle_path, media_id, media_kind, status, progress, is_priority, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, 1, ?, ?)`,
		r.Title,
		r.SourceLanguage,
		r.TargetLanguage,
		r.SubtitlePath,
		r.MediaID,
		string(r.MediaKind),
		string(model.StatusPending),
		boolToInt(r.IsPriority),
		now,
		now,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateActive
		}
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	r.ID = id
	r.Status = model.StatusPending
	active := true
	r.IsActive = &active
	r.CreatedAt = now
	r.UpdatedAt = now
	return nil
}

func (s *SQLiteStore) GetRequest(ctx context.Context, id int64) (*model.TranslationRequest, error) {
	r, err := scanRequest(s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM translation_requests WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// ActiveRequest returns the live request for one media/language pair, or
// nil when the slot is free.
func (s *SQLiteStore) ActiveRequest(ctx context.Context, mediaID int64, kind model.MediaKind, sourceLang, targetLang string) (*model.TranslationRequest, error) {
	r, err := scanRequest(s.db.QueryRowContext(
		ctx,
		`SELECT `+requestColumns+` FROM translation_requests
		 WHERE media_id = ? AND media_kind = ? AND source_language = ? AND target_language = ? AND is_active = 1`,
		mediaID, string(kind), sourceLang, targetLang,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (s *SQLiteStore) ListRequestsByStatus(ctx context.Context, statuses ...model.RequestStatus) ([]*model.TranslationRequest, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args[i] = string(st)
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+requestColumns+` FROM translation_requests
		 WHERE status IN (`+strings.Join(placeholders, ", ")+`)
		 ORDER BY is_priority DESC, created_at ASC`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]*model.TranslationRequest, 0)
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		ret = append(ret, r)
	}
	return ret, rows.Err()
}

// ListRequestsForMedia returns all request rows, historical included,
// for one media item, newest first.
func (s *SQLiteStore) ListRequestsForMedia(ctx context.Context, mediaID int64, kind model.MediaKind) ([]*model.TranslationRequest, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+requestColumns+` FROM translation_requests
		 WHERE media_id = ? AND media_kind = ?
		 ORDER BY created_at DESC`,
		mediaID, string(kind),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]*model.TranslationRequest, 0)
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		ret = append(ret, r)
	}
	return ret, rows.Err()
}

// UpdateRequestStatus transitions one request. Terminal statuses clear
// is_active so the dedupe slot frees up; completion stamps completed_at.
func (s *SQLiteStore) UpdateRequestStatus(ctx context.Context, id int64, status model.RequestStatus) error {
	now := time.Now().UTC()
	if status.Terminal() {
		var completedAt any
		if status == model.StatusCompleted {
			completedAt = now
		}
		_, err := s.db.ExecContext(
			ctx,
			`UPDATE translation_requests SET status = ?, is_active = NULL, completed_at = ?, updated_at = ? WHERE id = ?`,
			string(status), completedAt, now, id,
		)
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE translation_requests SET status = ?, is_active = 1, updated_at = ? WHERE id = ?`,
		string(status), now, id,
	)
	return err
}

// UpdateRequestProgress stores progress only when it advances; the
// column never moves backwards.
func (s *SQLiteStore) UpdateRequestProgress(ctx context.Context, id int64, progress int) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE translation_requests SET progress = MAX(progress, ?), updated_at = ? WHERE id = ?`,
		progress, time.Now().UTC(), id,
	)
	return err
}

// SetRequestResult records the written translation path.
func (s *SQLiteStore) SetRequestResult(ctx context.Context, id int64, translatedPath string) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE translation_requests SET translated_subtitle = ?, updated_at = ? WHERE id = ?`,
		translatedPath, time.Now().UTC(), id,
	)
	return err
}

// FailAllInProgress converts requests left in_progress by a previous
// process into failed rows. Runs once on startup, before any worker.
func (s *SQLiteStore) FailAllInProgress(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE translation_requests SET status = ?, is_active = NULL, updated_at = ? WHERE status = ?`,
		string(model.StatusFailed), time.Now().UTC(), string(model.StatusInProgress),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteRequest removes one request row and its logs.
func (s *SQLiteStore) DeleteRequest(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM translation_request_logs WHERE request_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM translation_requests WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) AppendRequestLog(ctx context.Context, requestID int64, level, message, details string) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO translation_request_logs (request_id, level, message, details, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		requestID, level, message, details, time.Now().UTC(),
	)
	return err
}

func (s *SQLiteStore) ListRequestLogs(ctx context.Context, requestID int64) ([]model.RequestLog, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, request_id, level, message, details, created_at
		 FROM translation_request_logs
		 WHERE request_id = ?
		 ORDER BY created_at ASC, id ASC`,
		requestID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]model.RequestLog, 0)
	for rows.Next() {
		var l model.RequestLog
		if err := rows.Scan(&l.ID, &l.RequestID, &l.Level, &l.Message, &l.Details, &l.CreatedAt); err != nil {
			return nil, err
		}
		ret = append(ret, l)
	}
	return ret, rows.Err()
}
