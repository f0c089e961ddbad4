// Package knowledge is the engine's memory of past incidents. Closed
// incidents are archived as embedding-indexed entries; similarity and
// success-rate lookups bias remediation selection on later incidents.
package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/aegisstack/aegis-ir/internal/models"
)

const (
	defaultSimilarityThreshold = 0.7
	defaultTopK                = 3

	// statsSampleLimit bounds how much history success statistics scan.
	statsSampleLimit = 500
	// recommendSampleLimit bounds the neighbourhood a recommendation
	// considers.
	recommendSampleLimit = 20
)

// Backend persists knowledge entries. Implementations must be safe for
// concurrent use; entries are append-only.
type Backend interface {
	// Put appends one entry.
	Put(ctx context.Context, entry models.KnowledgeEntry) error
	// Search returns entries nearest to the query vector, best first.
	Search(ctx context.Context, vector []float32, limit int) ([]models.ScoredEntry, error)
	// Recent returns the most recently archived entries, newest first.
	Recent(ctx context.Context, limit int) ([]models.KnowledgeEntry, error)
}

// Options tune the store. Zero values fall back to defaults.
type Options struct {
	// SimilarityThreshold is the minimum cosine similarity for a past
	// incident to count as a match.
	SimilarityThreshold float64
	// TopK caps FindSimilar results when the caller passes no limit.
	TopK   int
	Clock  clock.Clock
	Logger *slog.Logger
}

// Store archives closed incidents and answers lookup queries. Archive
// failures are for the caller to handle; the advisory lookups degrade to
// empty answers so backend trouble never blocks remediation.
type Store struct {
	backend   Backend
	embedder  *Embedder
	threshold float64
	topK      int
	clock     clock.Clock
	logger    *slog.Logger
}

// NewStore builds a Store over the given backend and embedder.
func NewStore(backend Backend, embedder *Embedder, opts Options) *Store {
	if embedder == nil {
		embedder = NewEmbedder(0)
	}
	threshold := opts.SimilarityThreshold
	if threshold <= 0 || threshold > 1 {
		threshold = defaultSimilarityThreshold
	}
	topK := opts.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		backend:   backend,
		embedder:  embedder,
		threshold: threshold,
		topK:      topK,
		clock:     clk,
		logger:    logger.With("component", "knowledge"),
	}
}

// Archive snapshots a finished incident into the backend. The outcome
// label records how the incident ended, such as resolved or escalated.
func (s *Store) Archive(ctx context.Context, inc *models.Incident, outcome string) error {
	if inc == nil {
		return fmt.Errorf("archive: nil incident")
	}

	entry := models.KnowledgeEntry{
		ID:         uuid.NewString(),
		IncidentID: inc.ID,
		Summary:    summarize(inc),
		Symptoms:   append([]string(nil), inc.Symptoms...),
		Services:   append([]string(nil), inc.Services...),
		Severity:   inc.Severity,
		Confidence: inc.Confidence,
		Outcome:    outcome,
		CreatedAt:  s.clock.Now().UTC(),
	}
	if inc.RootCause != nil {
		entry.RootCause = inc.RootCause.Statement
	}
	if attempt, ok := decidingAttempt(inc); ok {
		entry.ActionKind = attempt.Action.Kind
		entry.ActionSucceeded = attempt.State == models.StateSuccess
	}
	entry.Embedding = s.embedder.Embed(entry.Summary)

	if err := s.backend.Put(ctx, entry); err != nil {
		return fmt.Errorf("archive incident %s: %w", inc.ID, err)
	}
	s.logger.Debug("incident archived",
		"incident_id", inc.ID,
		"outcome", outcome,
		"action", entry.ActionKind)
	return nil
}

// FindSimilar returns up to k past incidents whose summaries resemble
// the given symptoms, best first. Matches below the similarity threshold
// are dropped.
func (s *Store) FindSimilar(ctx context.Context, symptoms []string, k int) ([]models.ScoredEntry, error) {
	if k <= 0 {
		k = s.topK
	}
	query := strings.Join(symptoms, "; ")
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	// Over-fetch so threshold filtering still leaves k candidates.
	scored, err := s.backend.Search(ctx, s.embedder.Embed(query), k*4)
	if err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}

	matches := make([]models.ScoredEntry, 0, k)
	for _, se := range scored {
		if se.Similarity < s.threshold {
			continue
		}
		matches = append(matches, se)
		if len(matches) == k {
			break
		}
	}
	return matches, nil
}

// SuccessRate reports the historical success fraction for an action kind
// and the number of samples behind it. Backend trouble yields (0, 0);
// selection treats missing history as neutral.
func (s *Store) SuccessRate(ctx context.Context, kind string) (float64, int) {
	if kind == "" {
		return 0, 0
	}
	entries, err := s.backend.Recent(ctx, statsSampleLimit)
	if err != nil {
		s.logger.Warn("success-rate lookup failed", "action", kind, "error", err)
		return 0, 0
	}

	var succeeded, total int
	for _, e := range entries {
		if e.ActionKind != kind {
			continue
		}
		total++
		if e.ActionSucceeded {
			succeeded++
		}
	}
	if total == 0 {
		return 0, 0
	}
	return float64(succeeded) / float64(total), total
}

// RecommendedAction suggests the action kind that most often resolved
// incidents with a similar root cause. Votes are weighted by similarity
// and recency so stale history fades. The result is a ranking hint only;
// it never introduces actions the policy would not select.
func (s *Store) RecommendedAction(ctx context.Context, rootCause string) (string, bool) {
	if strings.TrimSpace(rootCause) == "" {
		return "", false
	}
	scored, err := s.backend.Search(ctx, s.embedder.Embed(rootCause), recommendSampleLimit)
	if err != nil {
		s.logger.Warn("recommendation lookup failed", "error", err)
		return "", false
	}

	now := s.clock.Now()
	votes := make(map[string]float64)
	for _, se := range scored {
		if se.Similarity < s.threshold {
			continue
		}
		if se.Entry.ActionKind == "" || !se.Entry.ActionSucceeded {
			continue
		}
		votes[se.Entry.ActionKind] += se.Similarity * recencyWeight(now.Sub(se.Entry.CreatedAt))
	}

	best, bestScore := "", 0.0
	for kind, score := range votes {
		if score > bestScore || (score == bestScore && best != "" && kind < best) {
			best, bestScore = kind, score
		}
	}
	if best == "" {
		return "", false
	}
	return best, true
}

// summarize builds the text that gets embedded: the symptoms plus the
// root-cause statement when one was reached.
func summarize(inc *models.Incident) string {
	parts := append([]string(nil), inc.Symptoms...)
	if inc.RootCause != nil && inc.RootCause.Statement != "" {
		parts = append(parts, inc.RootCause.Statement)
	}
	return strings.Join(parts, "; ")
}

// decidingAttempt picks the attempt that settled the incident: the
// successful one when remediation worked, otherwise the last attempt
// that selected an action.
func decidingAttempt(inc *models.Incident) (models.RemediationAttempt, bool) {
	for i := len(inc.Attempts) - 1; i >= 0; i-- {
		if inc.Attempts[i].State == models.StateSuccess {
			return inc.Attempts[i], true
		}
	}
	for i := len(inc.Attempts) - 1; i >= 0; i-- {
		if inc.Attempts[i].Action.Kind != "" {
			return inc.Attempts[i], true
		}
	}
	return models.RemediationAttempt{}, false
}

// recencyWeight halves an entry's vote every thirty days so the store
// adapts as the fleet changes.
func recencyWeight(age time.Duration) float64 {
	if age < 0 {
		age = 0
	}
	return math.Pow(0.5, age.Hours()/(24*30))
}
