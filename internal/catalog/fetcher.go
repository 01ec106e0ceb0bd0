package catalog

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"

	"playlistgen/internal/domain"
)

// ErrArtistNotFound reports that the catalog search matched nothing.
var ErrArtistNotFound = errors.New("artist not found in catalog")

const (
	sourceTrackLimit  = 4
	relatedTrackLimit = 2

	defaultRelatedLimit = 20
	defaultSampleSize   = 5
	defaultFetchWorkers = 4
)

// Sampler draws k distinct indices out of n. Injectable so tests and
// reproducible runs can seed the selection.
type Sampler interface {
	Sample(n, k int) []int
}

type randSampler struct {
	rng *rand.Rand
}

func (s randSampler) Sample(n, k int) []int {
	return s.rng.Perm(n)[:k]
}

// NewSampler returns a Sampler backed by the given source. A nil source
// falls back to a time-seeded one, matching the original's unseeded draw.
func NewSampler(src rand.Source) Sampler {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return randSampler{rng: rand.New(src)}
}

type FetcherConfig struct {
	// RelatedLimit caps how many related artists are requested before sampling.
	RelatedLimit int
	// SampleSize is the number of related artists kept when more are returned.
	SampleSize int
	// FetchWorkers bounds the concurrent related-track requests.
	FetchWorkers int
	Sampler      Sampler
	Logger       *log.Logger
}

// Fetcher assembles ArtistMetadata from the catalog. A fetch either yields a
// fully populated result or fails as a whole; no step is retried and no
// partial data survives an error.
type Fetcher struct {
	client       *Client
	relatedLimit int
	sampleSize   int
	fetchWorkers int
	sampler      Sampler
	logger       *log.Logger
}

func NewFetcher(client *Client, cfg FetcherConfig) *Fetcher {
	relatedLimit := cfg.RelatedLimit
	if relatedLimit <= 0 {
		relatedLimit = defaultRelatedLimit
	}
	sampleSize := cfg.SampleSize
	if sampleSize <= 0 {
		sampleSize = defaultSampleSize
	}
	fetchWorkers := cfg.FetchWorkers
	if fetchWorkers <= 0 {
		fetchWorkers = defaultFetchWorkers
	}
	sampler := cfg.Sampler
	if sampler == nil {
		sampler = NewSampler(nil)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Fetcher{
		client:       client,
		relatedLimit: relatedLimit,
		sampleSize:   sampleSize,
		fetchWorkers: fetchWorkers,
		sampler:      sampler,
		logger:       logger,
	}
}

// Fetch resolves the query to one artist and gathers its top tracks plus a
// random sample of related artists with their top tracks. Returns
// ErrArtistNotFound when the search matches nothing; any other failure at
// any step aborts the whole fetch.
func (f *Fetcher) Fetch(ctx context.Context, artistQuery string) (*domain.ArtistMetadata, error) {
	matches, err := f.client.SearchArtists(ctx, artistQuery)
	if err != nil {
		return nil, fmt.Errorf("search artist: %w", err)
	}
	if len(matches) == 0 {
		return nil, ErrArtistNotFound
	}
	target := matches[0]

	topTracks, err := f.client.TopTracks(ctx, target.ID, sourceTrackLimit)
	if err != nil {
		return nil, fmt.Errorf("top tracks for %q: %w", target.Name, err)
	}

	related, err := f.client.RelatedArtists(ctx, target.ID, f.relatedLimit)
	if err != nil {
		return nil, fmt.Errorf("related artists for %q: %w", target.Name, err)
	}
	sampled := f.sampleRelated(related)

	// The sample is drawn before any track fetch so the selection stays
	// independent of fetch ordering; results keep the sampled order.
	similar := make([]domain.RelatedArtist, len(sampled))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(f.fetchWorkers)
	for i, rel := range sampled {
		i, rel := i, rel
		group.Go(func() error {
			tracks, err := f.client.TopTracks(groupCtx, rel.ID, relatedTrackLimit)
			if err != nil {
				return fmt.Errorf("top tracks for related %q: %w", rel.Name, err)
			}
			similar[i] = domain.RelatedArtist{
				Name:   rel.Name,
				Tracks: trackTitles(tracks, relatedTrackLimit),
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	f.logger.Printf("fetched metadata artist=%q tracks=%d related=%d", target.Name, len(topTracks), len(similar))
	return &domain.ArtistMetadata{
		SourceArtist: target.Name,
		SourceTracks: trackTitles(topTracks, sourceTrackLimit),
		Similar:      similar,
	}, nil
}

func (f *Fetcher) sampleRelated(related []Artist) []Artist {
	if len(related) <= f.sampleSize {
		return related
	}
	indices := f.sampler.Sample(len(related), f.sampleSize)
	sampled := make([]Artist, 0, len(indices))
	for _, idx := range indices {
		sampled = append(sampled, related[idx])
	}
	return sampled
}

// trackTitles truncates to limit even when the catalog ignores the limit
// query parameter, keeping the track caps unconditional.
func trackTitles(tracks []Track, limit int) []string {
	if limit > 0 && len(tracks) > limit {
		tracks = tracks[:limit]
	}
	titles := make([]string, 0, len(tracks))
	for _, t := range tracks {
		titles = append(titles, t.Title)
	}
	return titles
}
