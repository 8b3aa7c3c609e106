package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/subtrackd/subtrackd/internal/model"
)

// HTTPProvider talks to a companion media-manager API that exposes the
// library as JSON. The API key travels in the X-Api-Key header.
type HTTPProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewHTTPProvider(baseURL, apiKey string, timeout time.Duration) (*HTTPProvider, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("inventory: base url is required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type movieDTO struct {
	ID        int64      `json:"id"`
	Title     string     `json:"title"`
	Path      string     `json:"path"`
	FileName  string     `json:"fileName"`
	DateAdded *time.Time `json:"dateAdded"`
}

type showDTO struct {
	ID      int64       `json:"id"`
	Title   string      `json:"title"`
	Path    string      `json:"path"`
	Seasons []seasonDTO `json:"seasons"`
}

type seasonDTO struct {
	Number   int          `json:"number"`
	Episodes []episodeDTO `json:"episodes"`
}

type episodeDTO struct {
	ID        int64      `json:"id"`
	Title     string     `json:"title"`
	Path      string     `json:"path"`
	FileName  string     `json:"fileName"`
	DateAdded *time.Time `json:"dateAdded"`
}

func (p *HTTPProvider) ListMovies(ctx context.Context) ([]model.Movie, error) {
	var dtos []movieDTO
	if err := p.get(ctx, "/movies", &dtos); err != nil {
		return nil, err
	}
	movies := make([]model.Movie, len(dtos))
	for i, d := range dtos {
		movies[i] = model.Movie{
			ExternalID: d.ID,
			Title:      d.Title,
			Path:       d.Path,
			FileName:   d.FileName,
			DateAdded:  d.DateAdded,
		}
	}
	return movies, nil
}

func (p *HTTPProvider) ListShows(ctx context.Context) ([]ShowTree, error) {
	var dtos []showDTO
	if err := p.get(ctx, "/shows", &dtos); err != nil {
		return nil, err
	}
	trees := make([]ShowTree, len(dtos))
	for i, d := range dtos {
		tree := ShowTree{Show: model.Show{ExternalID: d.ID, Title: d.Title, Path: d.Path}}
		for _, season := range d.Seasons {
			st := SeasonTree{Season: model.Season{Number: season.Number}}
			for _, ep := range season.Episodes {
				st.Episodes = append(st.Episodes, model.Episode{
					ExternalID: ep.ID,
					Title:      ep.Title,
					Path:       ep.Path,
					FileName:   ep.FileName,
					DateAdded:  ep.DateAdded,
				})
			}
			tree.Seasons = append(tree.Seasons, st)
		}
		trees[i] = tree
	}
	return trees, nil
}

func (p *HTTPProvider) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return err
	}
	if p.apiKey != "" {
		req.Header.Set("X-Api-Key", p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("inventory: fetch %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("inventory: fetch %s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("inventory: decode %s: %w", path, err)
	}
	return nil
}
