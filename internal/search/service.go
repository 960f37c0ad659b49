package search

import (
	"context"

	"go.uber.org/zap"

	"ideaflow/syncd/internal/collection"
	"ideaflow/syncd/internal/logging"
)

const (
	EngineMeili = "meilisearch"
	EngineCache = "cache"
)

// Service is the facade that tries Meilisearch first and falls back to
// scanning the local caches.
type Service struct {
	meili  *Meili
	scan   *CacheScan
	caches []*collection.Cache
	log    *zap.SugaredLogger
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, caches []*collection.Cache, logger *zap.SugaredLogger) *Service {
	s := &Service{
		meili:  meili,
		scan:   NewCacheScan(caches),
		caches: caches,
		log:    logging.OrNop(logger),
	}
	if meili != nil {
		meili.OnRecover(func() { s.ReindexAll(context.Background()) })
	}
	return s
}

// Search tries Meilisearch if healthy, otherwise falls back to the caches.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: EngineMeili}
		}
		s.log.Warnf("search: meilisearch error, falling back to cache scan: %v", err)
	}

	results, total, err := s.scan.Search(ctx, q)
	if err != nil {
		s.log.Warnf("search: cache scan error: %v", err)
		return Response{Results: []Result{}, Query: q.Text, Engine: EngineCache}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: EngineCache}
}

// Index pushes a record to Meilisearch (fire-and-forget).
func (s *Service) Index(name string, record collection.Record) {
	if s.meili == nil || !s.meili.Healthy() || record == nil {
		return
	}
	go func() {
		if err := s.meili.IndexRecords(name, []collection.Record{record}); err != nil {
			s.log.Warnf("search: index %s/%s: %v", name, record.ID(), err)
		}
	}()
}

// Remove deletes a record from Meilisearch (fire-and-forget).
func (s *Service) Remove(name, id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteRecord(name, id); err != nil {
			s.log.Warnf("search: delete %s/%s: %v", name, id, err)
		}
	}()
}

// Start indexes the records already cached when the process comes up.
// Later changes reach the index through Index and Remove.
func (s *Service) Start(ctx context.Context) {
	go s.ReindexAll(ctx)
}

// ReindexAll pushes every cached record to Meilisearch. Start runs it once
// and it runs again whenever Meilisearch recovers.
func (s *Service) ReindexAll(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	for _, c := range s.caches {
		records := c.All(ctx)
		if err := s.meili.IndexRecords(c.Name(), records); err != nil {
			s.log.Warnf("search: reindex %s: %v", c.Name(), err)
		}
	}
}

// Close stops the Meilisearch health monitor.
func (s *Service) Close() {
	if s.meili != nil {
		s.meili.Close()
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
