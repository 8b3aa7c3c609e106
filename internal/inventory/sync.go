package inventory

import (
	"context"
	"fmt"

	"github.com/subtrackd/subtrackd/pkg/log"
)

// Syncer pulls the external library into local rows. Upserts are keyed
// on external ids, so repeated syncs converge instead of duplicating.
type Syncer struct {
	provider Provider
	store    Store
}

func NewSyncer(provider Provider, store Store) *Syncer {
	return &Syncer{provider: provider, store: store}
}

// SyncResult counts what one pass touched.
type SyncResult struct {
	Movies   int
	Shows    int
	Episodes int
}

// Sync mirrors the provider's library into the store.
func (s *Syncer) Sync(ctx context.Context) (SyncResult, error) {
	var res SyncResult

	movies, err := s.provider.ListMovies(ctx)
	if err != nil {
		return res, fmt.Errorf("list movies: %w", err)
	}
	for i := range movies {
		if _, err := s.store.UpsertMovie(ctx, &movies[i]); err != nil {
			return res, fmt.Errorf("upsert movie %d: %w", movies[i].ExternalID, err)
		}
		res.Movies++
	}

	shows, err := s.provider.ListShows(ctx)
	if err != nil {
		return res, fmt.Errorf("list shows: %w", err)
	}
	for _, tree := range shows {
		showID, err := s.store.UpsertShow(ctx, &tree.Show)
		if err != nil {
			return res, fmt.Errorf("upsert show %d: %w", tree.Show.ExternalID, err)
		}
		res.Shows++
		for _, season := range tree.Seasons {
			season.Season.ShowID = showID
			seasonID, err := s.store.UpsertSeason(ctx, &season.Season)
			if err != nil {
				return res, fmt.Errorf("upsert season %d of show %d: %w", season.Season.Number, tree.Show.ExternalID, err)
			}
			for i := range season.Episodes {
				season.Episodes[i].SeasonID = seasonID
				if _, err := s.store.UpsertEpisode(ctx, &season.Episodes[i]); err != nil {
					return res, fmt.Errorf("upsert episode %d: %w", season.Episodes[i].ExternalID, err)
				}
				res.Episodes++
			}
		}
	}

	log.Info("inventory sync: %d movies, %d shows, %d episodes", res.Movies, res.Shows, res.Episodes)
	return res, nil
}
