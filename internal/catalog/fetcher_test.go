package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// stubCatalog serves the search/top/related endpoints from in-memory data and
// counts concurrent top-track requests.
type stubCatalog struct {
	mu          sync.Mutex
	artists     map[string][]Artist
	topTracks   map[int64][]Track
	related     map[int64][]Artist
	inFlight    int
	maxInFlight int
	failTopFor  int64
	ignoreLimit bool
}

func (s *stubCatalog) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/search/artist", func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("q")
		writeList(w, s.artists[query])
	})
	mux.HandleFunc("/artist/", func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		if len(parts) != 3 {
			http.NotFound(w, r)
			return
		}
		id, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		switch parts[2] {
		case "top":
			if id == s.failTopFor {
				http.Error(w, "boom", http.StatusInternalServerError)
				return
			}
			s.mu.Lock()
			s.inFlight++
			if s.inFlight > s.maxInFlight {
				s.maxInFlight = s.inFlight
			}
			s.mu.Unlock()
			tracks := s.topTracks[id]
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			if !s.ignoreLimit && limit > 0 && len(tracks) > limit {
				tracks = tracks[:limit]
			}
			s.mu.Lock()
			s.inFlight--
			s.mu.Unlock()
			writeList(w, tracks)
		case "related":
			writeList(w, s.related[id])
		default:
			http.NotFound(w, r)
		}
	})
	return mux
}

func writeList[T any](w http.ResponseWriter, data []T) {
	if data == nil {
		data = []T{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(listEnvelope[T]{Data: data})
}

func newStubCatalog() *stubCatalog {
	stub := &stubCatalog{
		artists:   map[string][]Artist{},
		topTracks: map[int64][]Track{},
		related:   map[int64][]Artist{},
	}
	stub.artists["Echo"] = []Artist{{ID: 1, Name: "Echo"}}
	stub.topTracks[1] = []Track{
		{Title: "First Light"}, {Title: "Afterglow"},
		{Title: "Undertow"}, {Title: "Signal"}, {Title: "Fifth"},
	}
	for i := int64(2); i <= 7; i++ {
		name := fmt.Sprintf("Related %d", i)
		stub.related[1] = append(stub.related[1], Artist{ID: i, Name: name})
		stub.topTracks[i] = []Track{
			{Title: name + " Song A"},
			{Title: name + " Song B"},
			{Title: name + " Song C"},
		}
	}
	return stub
}

func newTestFetcher(t *testing.T, stub *stubCatalog, cfg FetcherConfig) *Fetcher {
	t.Helper()
	server := httptest.NewServer(stub.handler())
	t.Cleanup(server.Close)
	client := NewClient(ClientConfig{BaseURL: server.URL})
	return NewFetcher(client, cfg)
}

func TestFetchArtistNotFound(t *testing.T) {
	fetcher := newTestFetcher(t, newStubCatalog(), FetcherConfig{})

	_, err := fetcher.Fetch(context.Background(), "Zzyzx123")
	if !errors.Is(err, ErrArtistNotFound) {
		t.Fatalf("err=%v want ErrArtistNotFound", err)
	}
}

func TestFetchCapsTrackCounts(t *testing.T) {
	fetcher := newTestFetcher(t, newStubCatalog(), FetcherConfig{
		Sampler: NewSampler(rand.NewSource(1)),
	})

	meta, err := fetcher.Fetch(context.Background(), "Echo")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if meta.SourceArtist != "Echo" {
		t.Fatalf("source artist=%q", meta.SourceArtist)
	}
	if len(meta.SourceTracks) != 4 {
		t.Fatalf("source tracks=%d want 4", len(meta.SourceTracks))
	}
	for _, rel := range meta.Similar {
		if len(rel.Tracks) != 2 {
			t.Fatalf("related %q tracks=%d want 2", rel.Name, len(rel.Tracks))
		}
	}
}

func TestFetchCapsTracksWhenCatalogIgnoresLimit(t *testing.T) {
	stub := newStubCatalog()
	stub.ignoreLimit = true
	fetcher := newTestFetcher(t, stub, FetcherConfig{
		Sampler: NewSampler(rand.NewSource(1)),
	})

	meta, err := fetcher.Fetch(context.Background(), "Echo")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(meta.SourceTracks) != 4 {
		t.Fatalf("source tracks=%d want 4", len(meta.SourceTracks))
	}
	for _, rel := range meta.Similar {
		if len(rel.Tracks) != 2 {
			t.Fatalf("related %q tracks=%d want 2", rel.Name, len(rel.Tracks))
		}
	}
}

func TestFetchSamplesFiveDistinctRelated(t *testing.T) {
	stub := newStubCatalog()
	fetcher := newTestFetcher(t, stub, FetcherConfig{
		Sampler: NewSampler(rand.NewSource(42)),
	})

	meta, err := fetcher.Fetch(context.Background(), "Echo")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(meta.Similar) != 5 {
		t.Fatalf("similar=%d want 5", len(meta.Similar))
	}
	valid := map[string]bool{}
	for _, a := range stub.related[1] {
		valid[a.Name] = true
	}
	seen := map[string]bool{}
	for _, rel := range meta.Similar {
		if !valid[rel.Name] {
			t.Fatalf("sampled unknown artist %q", rel.Name)
		}
		if seen[rel.Name] {
			t.Fatalf("sampled %q twice", rel.Name)
		}
		seen[rel.Name] = true
	}
}

func TestFetchKeepsAllRelatedWhenAtOrBelowSampleSize(t *testing.T) {
	stub := newStubCatalog()
	stub.related[1] = stub.related[1][:3]
	fetcher := newTestFetcher(t, stub, FetcherConfig{})

	meta, err := fetcher.Fetch(context.Background(), "Echo")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(meta.Similar) != 3 {
		t.Fatalf("similar=%d want 3", len(meta.Similar))
	}
	for i, rel := range meta.Similar {
		if rel.Name != stub.related[1][i].Name {
			t.Fatalf("similar[%d]=%q want %q", i, rel.Name, stub.related[1][i].Name)
		}
	}
}

func TestFetchSeededSamplerIsDeterministic(t *testing.T) {
	run := func() []string {
		fetcher := newTestFetcher(t, newStubCatalog(), FetcherConfig{
			Sampler: NewSampler(rand.NewSource(7)),
		})
		meta, err := fetcher.Fetch(context.Background(), "Echo")
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		names := make([]string, len(meta.Similar))
		for i, rel := range meta.Similar {
			names[i] = rel.Name
		}
		return names
	}

	first := run()
	second := run()
	if len(first) != len(second) {
		t.Fatalf("lengths differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("sample order diverged at %d: %q vs %q", i, first[i], second[i])
		}
	}
}

func TestFetchRelatedTrackFailureAbortsWholeFetch(t *testing.T) {
	stub := newStubCatalog()
	stub.failTopFor = 4
	fetcher := newTestFetcher(t, stub, FetcherConfig{
		SampleSize: 10, // keep all six so the failing artist is always included
	})

	_, err := fetcher.Fetch(context.Background(), "Echo")
	if err == nil {
		t.Fatalf("expected fetch to fail when one related track fetch fails")
	}
	if !strings.Contains(err.Error(), "Related 4") {
		t.Fatalf("error should name the failing artist, got: %v", err)
	}
}

func TestFetchWorkerLimitBoundsConcurrency(t *testing.T) {
	stub := newStubCatalog()
	fetcher := newTestFetcher(t, stub, FetcherConfig{FetchWorkers: 2})

	if _, err := fetcher.Fetch(context.Background(), "Echo"); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	stub.mu.Lock()
	defer stub.mu.Unlock()
	if stub.maxInFlight > 2 {
		t.Fatalf("max in-flight top-track requests=%d want <=2", stub.maxInFlight)
	}
}
