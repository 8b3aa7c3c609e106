package inventory

import (
	"context"

	"github.com/subtrackd/subtrackd/internal/model"
)

// ShowTree is one show with its full season/episode hierarchy as the
// external manager reports it.
type ShowTree struct {
	Show    model.Show
	Seasons []SeasonTree
}

type SeasonTree struct {
	Season   model.Season
	Episodes []model.Episode
}

// Provider is the external media-manager port. Implementations list the
// full library; diffing against local rows happens in the syncer.
type Provider interface {
	ListMovies(ctx context.Context) ([]model.Movie, error)
	ListShows(ctx context.Context) ([]ShowTree, error)
}

// Store is the slice of persistence the syncer writes through.
type Store interface {
	UpsertMovie(ctx context.Context, m *model.Movie) (int64, error)
	UpsertShow(ctx context.Context, s *model.Show) (int64, error)
	UpsertSeason(ctx context.Context, s *model.Season) (int64, error)
	UpsertEpisode(ctx context.Context, e *model.Episode) (int64, error)
}
