package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"

	"ideaflow/syncd/internal/collection"
	"ideaflow/syncd/internal/logging"
)

// DefaultFilterable lists the record fields exposed as Meilisearch filters.
var DefaultFilterable = []string{"status", "category", "ideaId", "authorId"}

// Meili implements Searcher with one Meilisearch index per collection,
// named <prefix>_<collection>.
type Meili struct {
	client      meili.ServiceManager
	prefix      string
	collections []string
	filterable  []string
	log         *zap.SugaredLogger

	healthy   atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	// onRecover runs after the indexes are reconfigured following an outage.
	onRecover atomic.Pointer[func()]
}

type MeiliOptions struct {
	URL         string
	APIKey      string
	Prefix      string
	Collections []string
	Filterable  []string
	// HealthInterval defaults to 10s.
	HealthInterval time.Duration
	Logger         *zap.SugaredLogger
}

// NewMeili creates a Meilisearch client and configures indexes. An
// unreachable server is reported by Healthy and retried in the background.
func NewMeili(opts MeiliOptions) *Meili {
	if opts.Filterable == nil {
		opts.Filterable = DefaultFilterable
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 10 * time.Second
	}
	m := &Meili{
		client:      meili.New(opts.URL, meili.WithAPIKey(opts.APIKey)),
		prefix:      opts.Prefix,
		collections: opts.Collections,
		filterable:  opts.Filterable,
		log:         logging.OrNop(opts.Logger),
		done:        make(chan struct{}),
	}

	if _, err := m.client.Health(); err != nil {
		m.log.Warnf("search: meilisearch unavailable at %s: %v", opts.URL, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop(opts.HealthInterval)
	return m
}

// IndexUID returns the index holding a collection.
func (m *Meili) IndexUID(name string) string {
	return m.prefix + "_" + name
}

// OnRecover registers fn to run when the server becomes reachable again.
func (m *Meili) OnRecover(fn func()) {
	m.onRecover.Store(&fn)
}

func (m *Meili) configureIndexes() {
	filterable := make([]interface{}, len(m.filterable))
	for i, v := range m.filterable {
		filterable[i] = v
	}
	for _, name := range m.collections {
		uid := m.IndexUID(name)
		if _, err := m.client.CreateIndex(&meili.IndexConfig{
			Uid:        uid,
			PrimaryKey: "id",
		}); err != nil {
			m.log.Debugf("search: create index %s (may already exist): %v", uid, err)
		}
		if _, err := m.client.Index(uid).UpdateFilterableAttributes(&filterable); err != nil {
			m.log.Warnf("search: update filterable attrs for %s: %v", uid, err)
		}
	}
}

func (m *Meili) healthLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Swap(err == nil)
			if err == nil && !wasHealthy {
				m.log.Infof("search: meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
				if fn := m.onRecover.Load(); fn != nil {
					(*fn)()
				}
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	m.closeOnce.Do(func() { close(m.done) })
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries every collection index (or just q.Collection) and merges
// the hits.
func (m *Meili) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, errors.New("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit <= 0 {
		limit = defaultLimit
	}

	filters := filterExpressions(q.Filters)
	var queries []*meili.SearchRequest
	for _, name := range m.collections {
		if q.Collection != "" && q.Collection != name {
			continue
		}
		sr := &meili.SearchRequest{
			IndexUID:              m.IndexUID(name),
			Query:                 q.Text,
			Limit:                 limit,
			Offset:                int64(q.Offset),
			AttributesToHighlight: []string{"*"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
		}
		if len(filters) > 0 {
			sr.Filter = filters
		}
		queries = append(queries, sr)
	}
	if len(queries) == 0 {
		return nil, 0, nil
	}

	resp, err := m.client.MultiSearchWithContext(ctx, &meili.MultiSearchRequest{Queries: queries})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		name := strings.TrimPrefix(sr.IndexUID, m.prefix+"_")
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, name))
		}
	}
	return results, total, nil
}

// filterExpressions turns field equality filters into Meilisearch syntax.
// Values of one field are ORed.
func filterExpressions(filters url.Values) []string {
	fields := make([]string, 0, len(filters))
	for field := range filters {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	var out []string
	for _, field := range fields {
		values := filters[field]
		if len(values) == 0 {
			continue
		}
		terms := make([]string, len(values))
		for i, v := range values {
			terms[i] = fmt.Sprintf("%s = %q", field, v)
		}
		out = append(out, strings.Join(terms, " OR "))
	}
	return out
}

func hitToResult(hit meili.Hit, name string) Result {
	record := collection.Record{}
	for key, raw := range hit {
		if strings.HasPrefix(key, "_") {
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			record[key] = v
		}
	}
	r := recordToResult(name, record)
	formatted := decodeFormatted(hit)
	r.Title = firstNonBlank(firstField(formatted, titleFields), r.Title)
	r.Snippet = firstNonBlank(firstField(formatted, snippetFields), r.Snippet)
	return r
}

func decodeFormatted(hit meili.Hit) collection.Record {
	raw, ok := hit["_formatted"]
	if !ok {
		return nil
	}
	var formatted collection.Record
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return nil
	}
	return formatted
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexRecords adds or updates records in a collection's index.
func (m *Meili) IndexRecords(name string, records []collection.Record) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(m.IndexUID(name)).AddDocuments(records, nil)
	return err
}

// DeleteRecord removes a record from a collection's index.
func (m *Meili) DeleteRecord(name, id string) error {
	_, err := m.client.Index(m.IndexUID(name)).DeleteDocument(id, nil)
	return err
}
