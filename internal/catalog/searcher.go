package catalog

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/BTreeMap/DealerPipe/internal/models"
)

const defaultCacheSize = 512

// CacheObserver is notified of every cache lookup. hit is false on a miss.
type CacheObserver func(hit bool)

// SearcherOpts holds configuration for a Searcher.
type SearcherOpts struct {
	CacheSize int
	Observer  CacheObserver
}

// SearcherOption configures a Searcher.
type SearcherOption func(*SearcherOpts)

// WithCacheSize sets the number of cached queries.
func WithCacheSize(n int) SearcherOption {
	return func(o *SearcherOpts) {
		o.CacheSize = n
	}
}

// WithCacheObserver sets a callback for cache hits and misses.
func WithCacheObserver(fn CacheObserver) SearcherOption {
	return func(o *SearcherOpts) {
		o.Observer = fn
	}
}

// Searcher caches Search results by canonical query. The catalog never
// changes after load, so entries never go stale.
type Searcher struct {
	catalog  *Catalog
	cache    *lru.Cache[string, []models.Vehicle]
	observer CacheObserver
}

// NewSearcher wraps c with a query cache.
func NewSearcher(c *Catalog, opts ...SearcherOption) (*Searcher, error) {
	cfg := SearcherOpts{CacheSize: defaultCacheSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}
	cache, err := lru.New[string, []models.Vehicle](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create search cache: %w", err)
	}
	slog.Debug("Searcher.NewSearcher: search cache created", "size", cfg.CacheSize)
	return &Searcher{catalog: c, cache: cache, observer: cfg.Observer}, nil
}

// Catalog returns the underlying catalog.
func (s *Searcher) Catalog() *Catalog {
	return s.catalog
}

// Search returns the same vehicles as Catalog.Search, served from the cache
// when the query was seen before. The returned slice is always a fresh copy.
func (s *Searcher) Search(q Query) []models.Vehicle {
	key := cacheKey(q)
	if cached, ok := s.cache.Get(key); ok {
		s.observe(true)
		return models.CloneVehicles(cached)
	}
	s.observe(false)
	res := s.catalog.Search(q)
	s.cache.Add(key, models.CloneVehicles(res))
	return res
}

func (s *Searcher) observe(hit bool) {
	if s.observer != nil {
		s.observer(hit)
	}
}

// cacheKey is order-insensitive over keywords.
func cacheKey(q Query) string {
	kws := make([]string, 0, len(q.Keywords))
	for _, k := range q.Keywords {
		if k = strings.TrimSpace(k); k != "" {
			kws = append(kws, k)
		}
	}
	sort.Strings(kws)
	target := "-"
	if q.PriceTarget != nil {
		target = fmt.Sprint(*q.PriceTarget)
	}
	return fmt.Sprintf("%s|%s|%d", strings.Join(kws, " "), target, q.limit())
}
