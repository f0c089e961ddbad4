package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aegisstack/aegis-ir/internal/cache"
	"github.com/aegisstack/aegis-ir/internal/models"
	"github.com/aegisstack/aegis-ir/internal/utils"
)

// WeaviateBackend stores knowledge entries in a Weaviate-compatible
// vector database over its REST and GraphQL APIs. Embeddings travel as
// the object vector so nearVector queries work without a vectoriser
// module on the cluster.
type WeaviateBackend struct {
	endpoint   string
	apiKey     string
	class      string
	httpClient *http.Client
	cache      cache.Provider
	similarTTL time.Duration
	statsTTL   time.Duration
}

// NewWeaviateBackend constructs a Weaviate-backed knowledge store.
func NewWeaviateBackend(endpoint, apiKey, class string, timeout time.Duration, cacheProvider cache.Provider, similarTTL, statsTTL time.Duration) *WeaviateBackend {
	if cacheProvider == nil {
		cacheProvider = cache.NoopProvider{}
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if class == "" {
		class = "IncidentKnowledge"
	}
	if similarTTL < 0 {
		similarTTL = 0
	}
	if statsTTL < 0 {
		statsTTL = 0
	}
	return &WeaviateBackend{
		endpoint:   strings.TrimRight(endpoint, "/"),
		apiKey:     apiKey,
		class:      class,
		httpClient: &http.Client{Timeout: timeout},
		cache:      cacheProvider,
		similarTTL: similarTTL,
		statsTTL:   statsTTL,
	}
}

// Put persists one entry as a Weaviate object carrying its embedding.
func (b *WeaviateBackend) Put(ctx context.Context, entry models.KnowledgeEntry) error {
	if b == nil || b.endpoint == "" {
		return fmt.Errorf("weaviate backend not configured")
	}

	payload := map[string]interface{}{
		"class":      b.class,
		"properties": buildEntryProperties(entry),
	}
	if entry.ID != "" {
		payload["id"] = entry.ID
	}
	if len(entry.Embedding) > 0 {
		payload["vector"] = entry.Embedding
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal knowledge entry: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint+"/v1/objects", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("store knowledge entry failed: %s", strings.TrimSpace(string(data)))
	}

	// The new entry changes success statistics immediately; similarity
	// entries just age out under their TTL.
	if b.statsTTL > 0 {
		_ = b.cache.Del(ctx, cache.Key("knowledge", "recent", strconv.Itoa(statsSampleLimit)))
	}
	return nil
}

// Search runs a nearVector query and translates Weaviate certainty back
// into cosine similarity. Results are cached briefly, keyed on the query
// vector, because retries and multi-action ranking repeat queries.
func (b *WeaviateBackend) Search(ctx context.Context, vector []float32, limit int) ([]models.ScoredEntry, error) {
	if b == nil || b.endpoint == "" {
		return nil, fmt.Errorf("weaviate backend not configured")
	}
	if limit <= 0 {
		limit = defaultTopK
	}

	cacheKey := ""
	if b.similarTTL > 0 {
		cacheKey = cache.Key("knowledge", "similar", formatVector(vector), strconv.Itoa(limit))
		if data, err := b.cache.Get(ctx, cacheKey); err == nil {
			var cached []models.ScoredEntry
			if err := json.Unmarshal(data, &cached); err == nil {
				return cached, nil
			}
		}
	}

	query := fmt.Sprintf(`{
      Get {
        %s(
          limit: %d
          nearVector: {vector: %s}
        ) {
          %s
          _additional { certainty }
        }
      }
    }`, b.class, limit, formatVector(vector), entryFields)

	records, err := b.graphql(ctx, query)
	if err != nil {
		return nil, err
	}

	results := make([]models.ScoredEntry, 0, len(records))
	for _, rec := range records {
		results = append(results, models.ScoredEntry{
			Entry: entryFromObject(rec),
			// Weaviate reports certainty as (1+cosine)/2.
			Similarity: 2*rec.Additional.Certainty - 1,
		})
	}

	if b.similarTTL > 0 && cacheKey != "" && len(results) > 0 {
		if payload, err := json.Marshal(results); err == nil {
			_ = b.cache.Set(ctx, cacheKey, payload, b.similarTTL)
		}
	}

	return results, nil
}

// Recent lists the newest entries for success statistics, cached under
// the stats TTL so every ranking pass does not rescan the cluster.
func (b *WeaviateBackend) Recent(ctx context.Context, limit int) ([]models.KnowledgeEntry, error) {
	if b == nil || b.endpoint == "" {
		return nil, fmt.Errorf("weaviate backend not configured")
	}
	if limit <= 0 {
		limit = statsSampleLimit
	}

	cacheKey := ""
	if b.statsTTL > 0 {
		cacheKey = cache.Key("knowledge", "recent", strconv.Itoa(limit))
		if data, err := b.cache.Get(ctx, cacheKey); err == nil {
			var cached []models.KnowledgeEntry
			if err := json.Unmarshal(data, &cached); err == nil {
				return cached, nil
			}
		}
	}

	query := fmt.Sprintf(`{
      Get {
        %s(
          limit: %d
          sort: [{path: "createdAt", order: desc}]
        ) {
          %s
        }
      }
    }`, b.class, limit, entryFields)

	records, err := b.graphql(ctx, query)
	if err != nil {
		return nil, err
	}

	entries := make([]models.KnowledgeEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, entryFromObject(rec))
	}

	if b.statsTTL > 0 && cacheKey != "" && len(entries) > 0 {
		if payload, err := json.Marshal(entries); err == nil {
			_ = b.cache.Set(ctx, cacheKey, payload, b.statsTTL)
		}
	}

	return entries, nil
}

const entryFields = `entryId
          incidentId
          summary
          symptoms
          services
          severity
          rootCause
          confidence
          outcome
          actionKind
          actionSucceeded
          createdAt`

type weaviateObject struct {
	EntryID         string   `json:"entryId"`
	IncidentID      string   `json:"incidentId"`
	Summary         string   `json:"summary"`
	Symptoms        []string `json:"symptoms"`
	Services        []string `json:"services"`
	Severity        string   `json:"severity"`
	RootCause       string   `json:"rootCause"`
	Confidence      float64  `json:"confidence"`
	Outcome         string   `json:"outcome"`
	ActionKind      string   `json:"actionKind"`
	ActionSucceeded bool     `json:"actionSucceeded"`
	CreatedAt       string   `json:"createdAt"`
	Additional      struct {
		Certainty float64 `json:"certainty"`
	} `json:"_additional"`
}

func (b *WeaviateBackend) graphql(ctx context.Context, query string) ([]weaviateObject, error) {
	payload, err := json.Marshal(map[string]interface{}{"query": query})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint+"/v1/graphql", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("weaviate query: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("weaviate query failed: %s", strings.TrimSpace(string(data)))
	}

	var response struct {
		Data struct {
			Get map[string][]weaviateObject `json:"Get"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("decode weaviate response: %w", err)
	}
	return response.Data.Get[b.class], nil
}

func entryFromObject(rec weaviateObject) models.KnowledgeEntry {
	created, _ := utils.ParseRFC3339(rec.CreatedAt)
	return models.KnowledgeEntry{
		ID:              rec.EntryID,
		IncidentID:      rec.IncidentID,
		Summary:         rec.Summary,
		Symptoms:        rec.Symptoms,
		Services:        rec.Services,
		Severity:        models.ParseSeverity(rec.Severity),
		RootCause:       rec.RootCause,
		Confidence:      rec.Confidence,
		Outcome:         rec.Outcome,
		ActionKind:      rec.ActionKind,
		ActionSucceeded: rec.ActionSucceeded,
		CreatedAt:       created,
	}
}

func buildEntryProperties(entry models.KnowledgeEntry) map[string]interface{} {
	created := entry.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return map[string]interface{}{
		"entryId":         entry.ID,
		"incidentId":      entry.IncidentID,
		"summary":         entry.Summary,
		"symptoms":        entry.Symptoms,
		"services":        entry.Services,
		"severity":        string(entry.Severity),
		"rootCause":       entry.RootCause,
		"confidence":      entry.Confidence,
		"outcome":         entry.Outcome,
		"actionKind":      entry.ActionKind,
		"actionSucceeded": entry.ActionSucceeded,
		"createdAt":       created.UTC().Format(time.RFC3339),
	}
}

func formatVector(vector []float32) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, v := range vector {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}
