package model

import "time"

// MediaKind distinguishes the two persisted media variants.
type MediaKind string

const (
	KindMovie   MediaKind = "movie"
	KindEpisode MediaKind = "episode"
)

// TranslationState classifies what a media item still needs.
type TranslationState string

const (
	StateUnknown        TranslationState = "unknown"
	StateNotApplicable  TranslationState = "not_applicable"
	StateAwaitingSource TranslationState = "awaiting_source"
	StatePending        TranslationState = "pending"
	StateInProgress     TranslationState = "in_progress"
	StateFailed         TranslationState = "failed"
	StateComplete       TranslationState = "complete"
	StateStale          TranslationState = "stale"
)

// RequestStatus is the lifecycle status of a translation request.
type RequestStatus string

const (
	StatusPending    RequestStatus = "pending"
	StatusInProgress RequestStatus = "in_progress"
	StatusFailed     RequestStatus = "failed"
	StatusCancelled  RequestStatus = "cancelled"
	StatusCompleted  RequestStatus = "completed"
)

// Terminal reports whether the status is final.
func (s RequestStatus) Terminal() bool {
	switch s {
	case StatusFailed, StatusCancelled, StatusCompleted:
		return true
	}
	return false
}

// Media is the capability shared by movies and episodes, consumed by the
// state engine and the scheduler.
type Media interface {
	MediaID() int64
	Kind() MediaKind
	MediaTitle() string
	Dir() string
	BaseName() string
	Excluded() bool
	Priority() bool
	EmbeddedStreams() []EmbeddedSubtitle
	IndexedAt() *time.Time
}

// Movie is a standalone media item managed by an external movie manager.
type Movie struct {
	ID                  int64
	ExternalID          int64
	Title               string
	Path                string
	FileName            string
	MediaHash           string
	DateAdded           *time.Time
	IndexedAtVal        *time.Time
	LastSubtitleCheckAt *time.Time

	ExcludeFromTranslation  bool
	IsPriority              bool
	PriorityDate            *time.Time
	TranslationAgeThreshold *int

	State                TranslationState
	StateSettingsVersion int64

	Embedded []EmbeddedSubtitle

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (m *Movie) MediaID() int64                      { return m.ID }
func (m *Movie) Kind() MediaKind                     { return KindMovie }
func (m *Movie) MediaTitle() string                  { return m.Title }
func (m *Movie) Dir() string                         { return m.Path }
func (m *Movie) BaseName() string                    { return m.FileName }
func (m *Movie) Excluded() bool                      { return m.ExcludeFromTranslation }
func (m *Movie) Priority() bool                      { return m.IsPriority }
func (m *Movie) EmbeddedStreams() []EmbeddedSubtitle { return m.Embedded }
func (m *Movie) IndexedAt() *time.Time               { return m.IndexedAtVal }

// Show groups seasons; exclusion and priority are inherited downward.
type Show struct {
	ID         int64
	ExternalID int64
	Title      string
	Path       string

	ExcludeFromTranslation bool
	IsPriority             bool
	PriorityDate           *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Season groups episodes under a show.
type Season struct {
	ID     int64
	ShowID int64
	Number int

	ExcludeFromTranslation bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Episode is a single episode file managed by an external series manager.
type Episode struct {
	ID                  int64
	ExternalID          int64
	SeasonID            int64
	Title               string
	Path                string
	FileName            string
	MediaHash           string
	DateAdded           *time.Time
	IndexedAtVal        *time.Time
	LastSubtitleCheckAt *time.Time

	ExcludeFromTranslation  bool
	TranslationAgeThreshold *int

	State                TranslationState
	StateSettingsVersion int64

	Embedded []EmbeddedSubtitle

	// Resolved from the owning season/show; parent ids only, never
	// owning pointers.
	SeasonExcluded   bool
	ShowExcluded     bool
	ShowPriority     bool
	ShowPriorityDate *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (e *Episode) MediaID() int64     { return e.ID }
func (e *Episode) Kind() MediaKind    { return KindEpisode }
func (e *Episode) MediaTitle() string { return e.Title }
func (e *Episode) Dir() string        { return e.Path }
func (e *Episode) BaseName() string   { return e.FileName }
func (e *Episode) Excluded() bool {
	return e.ExcludeFromTranslation || e.SeasonExcluded || e.ShowExcluded
}
func (e *Episode) Priority() bool                      { return e.ShowPriority }
func (e *Episode) EmbeddedStreams() []EmbeddedSubtitle { return e.Embedded }
func (e *Episode) IndexedAt() *time.Time               { return e.IndexedAtVal }

// EmbeddedSubtitle is one subtitle track inside a container file. Stream
// indexes are renumbered within the subtitle-only subset and unique per
// media.
type EmbeddedSubtitle struct {
	ID            int64
	MediaID       int64
	MediaKind     MediaKind
	StreamIndex   int
	Language      string
	Title         string
	CodecName     string
	IsTextBased   bool
	IsDefault     bool
	IsForced      bool
	IsExtracted   bool
	ExtractedPath string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TranslationRequest is one unit of translation work. At most one row per
// (media, kind, source, target) may have IsActive set.
type TranslationRequest struct {
	ID             int64
	Title          string
	SourceLanguage string
	TargetLanguage string
	// SubtitlePath is nil when the source must be extracted from an
	// embedded stream.
	SubtitlePath       *string
	TranslatedSubtitle *string
	MediaID            int64
	MediaKind          MediaKind
	Status             RequestStatus
	Progress           int
	IsPriority         bool
	// IsActive is true while pending or in progress, nil otherwise; the
	// unique partial index keys on it.
	IsActive    *bool
	CompletedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Active reports whether the request still occupies the dedupe slot.
func (r *TranslationRequest) Active() bool {
	return r.IsActive != nil && *r.IsActive
}

// RequestLog is one structured log line attached to a request.
type RequestLog struct {
	ID        int64
	RequestID int64
	Level     string
	Message   string
	Details   string
	CreatedAt time.Time
}

// LanguageOption is one entry of the configured source or target
// language lists.
type LanguageOption struct {
	Code string `json:"code"`
	Name string `json:"name"`
}
