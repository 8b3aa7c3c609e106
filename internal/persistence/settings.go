package persistence

import (
	"context"
	"database/sql"
	"strconv"
	"time"
)

const languageSettingsVersionKey = "language_settings_version"

// GetSetting returns the stored value and whether the key exists.
func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, value, time.Now().UTC(),
	)
	return err
}

// LanguageSettingsVersion returns the monotonic counter that stored media
// states are stamped with. Zero means no languages were ever configured.
func (s *SQLiteStore) LanguageSettingsVersion(ctx context.Context) (int64, error) {
	value, ok, err := s.GetSetting(ctx, languageSettingsVersionKey)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// BumpLanguageSettingsVersion increments the counter and returns the new
// value. Called whenever the configured language lists change.
func (s *SQLiteStore) BumpLanguageSettingsVersion(ctx context.Context) (int64, error) {
	current, err := s.LanguageSettingsVersion(ctx)
	if err != nil {
		return 0, err
	}
	next := current + 1
	if err := s.SetSetting(ctx, languageSettingsVersionKey, strconv.FormatInt(next, 10)); err != nil {
		return 0, err
	}
	return next, nil
}
