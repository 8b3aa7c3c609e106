package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/subtrackd/subtrackd/internal/model"
	"github.com/subtrackd/subtrackd/pkg/file"
	"github.com/subtrackd/subtrackd/pkg/log"
)

// VersionBumper invalidates stored media states when language settings
// change.
type VersionBumper interface {
	BumpLanguageSettingsVersion(ctx context.Context) (int64, error)
	MarkAllStale(ctx context.Context) error
}

// RuntimeSettings are the knobs mutable while the daemon runs. They are
// persisted as JSON next to the database.
type RuntimeSettings struct {
	SourceLanguages []model.LanguageOption `json:"source_languages"`
	TargetLanguages []model.LanguageOption `json:"target_languages"`
}

// RuntimeSettingsStore guards the mutable settings file. Language list
// changes bump the settings version and mark every media state stale.
type RuntimeSettingsStore struct {
	mu       sync.RWMutex
	path     string
	settings RuntimeSettings
	bumper   VersionBumper
}

// NewRuntimeSettingsStore loads the settings file when present, seeding
// from the environment config otherwise.
func NewRuntimeSettingsStore(path string, seed RuntimeSettings, bumper VersionBumper) (*RuntimeSettingsStore, error) {
	s := &RuntimeSettingsStore{path: path, settings: seed, bumper: bumper}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read runtime settings: %w", err)
	}
	if err := json.Unmarshal(data, &s.settings); err != nil {
		return nil, fmt.Errorf("parse runtime settings: %w", err)
	}
	return s, nil
}

// Current returns a copy of the live settings.
func (s *RuntimeSettingsStore) Current() RuntimeSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return RuntimeSettings{
		SourceLanguages: append([]model.LanguageOption(nil), s.settings.SourceLanguages...),
		TargetLanguages: append([]model.LanguageOption(nil), s.settings.TargetLanguages...),
	}
}

// UpdateLanguages replaces the language lists, persists the file, bumps
// the settings version, and invalidates all stored media states.
func (s *RuntimeSettingsStore) UpdateLanguages(ctx context.Context, sources, targets []model.LanguageOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if equalLanguages(s.settings.SourceLanguages, sources) && equalLanguages(s.settings.TargetLanguages, targets) {
		return nil
	}

	next := s.settings
	next.SourceLanguages = append([]model.LanguageOption(nil), sources...)
	next.TargetLanguages = append([]model.LanguageOption(nil), targets...)
	if err := s.persist(next); err != nil {
		return err
	}
	s.settings = next

	if s.bumper != nil {
		version, err := s.bumper.BumpLanguageSettingsVersion(ctx)
		if err != nil {
			return fmt.Errorf("bump settings version: %w", err)
		}
		if err := s.bumper.MarkAllStale(ctx); err != nil {
			return fmt.Errorf("invalidate media states: %w", err)
		}
		log.Info("language settings changed, version %d, media states marked stale", version)
	}
	return nil
}

func (s *RuntimeSettingsStore) persist(settings RuntimeSettings) error {
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	return file.WriteAtomic(s.path, data, 0o644)
}

func equalLanguages(a, b []model.LanguageOption) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Code != b[i].Code {
			return false
		}
	}
	return true
}
