// Package store persists workflow templates as one JSON document per
// template and retrieves candidates for new questions by lexical similarity.
// Learning statistics (usage count, success EMA) live with each template.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/agentrun/types"
	"github.com/BaSui01/agentrun/workflow"
	"go.uber.org/zap"
)

// outcomeWeight is the EMA weight of the newest outcome when recomputing a
// template's success rate.
const outcomeWeight = 0.3

// Scored pairs a retrieved template with its similarity score.
type Scored struct {
	Template *workflow.Template
	Score    float64
}

// Stats summarizes the store contents.
type Stats struct {
	TotalTemplates int            `json:"total_templates"`
	TotalUsage     int            `json:"total_usage"`
	AvgSuccessRate float64        `json:"avg_success_rate"`
	ByCategory     map[string]int `json:"by_category"`
}

// Store is the template repository. An in-memory index fronts the on-disk
// documents; writers exclude readers for the span of a save.
type Store struct {
	root   string
	cache  *RetrievalCache
	logger *zap.Logger
	clock  func() time.Time

	mu        sync.RWMutex
	templates map[string]*workflow.Template
}

// Open loads every template under root, creating the directory when absent.
// cache may be nil.
func Open(root string, cache *RetrievalCache, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, types.Errorf(types.ErrStoreIO, "create store root %s", root).WithCause(err)
	}

	s := &Store{
		root:      root,
		cache:     cache,
		logger:    logger.With(zap.String("component", "workflow_store")),
		clock:     time.Now,
		templates: make(map[string]*workflow.Template),
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, types.Errorf(types.ErrStoreIO, "scan store root %s", root).WithCause(err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(root, entry.Name())
		tpl, err := readTemplate(path)
		if err != nil {
			// a corrupt document must not take the whole store down
			s.logger.Warn("skipping unreadable template", zap.String("path", path), zap.Error(err))
			continue
		}
		s.templates[tpl.Metadata.ID] = tpl
	}

	s.logger.Info("workflow store opened",
		zap.String("root", root),
		zap.Int("templates", len(s.templates)),
	)
	return s, nil
}

func readTemplate(path string) (*workflow.Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tpl workflow.Template
	if err := json.Unmarshal(data, &tpl); err != nil {
		return nil, err
	}
	return &tpl, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.root, id+".json")
}

// Save accepts a template into the store. Templates with no steps, cyclic
// graphs, or (when nodes is non-nil) unresolved node names are rejected.
// An identical plan (same content hash) coalesces with the stored one,
// keeping its statistics.
func (s *Store) Save(tpl *workflow.Template, nodes workflow.NodeChecker) (*workflow.Template, error) {
	if len(tpl.Steps) == 0 {
		return nil, types.NewError(types.ErrInvalidInput, "refusing to store a template with zero steps")
	}
	if _, err := tpl.TopologicalOrder(); err != nil {
		return nil, err
	}
	if nodes != nil {
		for _, name := range tpl.NodeNames() {
			if !nodes.Has(name) {
				return nil, types.Errorf(types.ErrUnknownNode, "UnknownNode: %s", name)
			}
		}
	}

	id := tpl.ContentHash()

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.templates[id]; ok {
		// same plan: refresh descriptive fields only
		existing.Metadata.Description = tpl.Metadata.Description
		existing.Metadata.QuestionPattern = tpl.Metadata.QuestionPattern
		if err := s.persistLocked(existing); err != nil {
			return nil, err
		}
		s.invalidateCache()
		return existing.Clone(), nil
	}

	stored := tpl.Clone()
	stored.Metadata.ID = id
	now := s.clock()
	stored.Metadata.CreatedAt = now
	stored.Metadata.LastUsedAt = now
	stored.Metadata.UsageCount = 0
	stored.Metadata.SuccessRate = 0
	if len(stored.Metadata.Tags) == 0 {
		stored.Metadata.Tags = deriveTags(stored)
	}

	if err := s.persistLocked(stored); err != nil {
		return nil, err
	}
	s.templates[id] = stored
	s.invalidateCache()

	s.logger.Info("template stored",
		zap.String("template_id", id),
		zap.Int("steps", len(stored.Steps)),
	)
	return stored.Clone(), nil
}

func deriveTags(tpl *workflow.Template) []string {
	// tags mirror the node name prefixes; the registry's category is not
	// available here and the prefix convention matches it in practice
	seen := map[string]bool{}
	var tags []string
	for _, name := range tpl.NodeNames() {
		prefix := name
		if i := strings.IndexByte(name, '_'); i > 0 {
			prefix = name[:i]
		}
		if !seen[prefix] {
			seen[prefix] = true
			tags = append(tags, prefix)
		}
	}
	return tags
}

func (s *Store) persistLocked(tpl *workflow.Template) error {
	data, err := json.MarshalIndent(tpl, "", "  ")
	if err != nil {
		return types.Errorf(types.ErrStoreIO, "encode template %s", tpl.Metadata.ID).WithCause(err)
	}
	tmp := s.path(tpl.Metadata.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return types.Errorf(types.ErrStoreIO, "write template %s", tpl.Metadata.ID).WithCause(err)
	}
	if err := os.Rename(tmp, s.path(tpl.Metadata.ID)); err != nil {
		return types.Errorf(types.ErrStoreIO, "commit template %s", tpl.Metadata.ID).WithCause(err)
	}
	return nil
}

// Get returns a copy of the stored template.
func (s *Store) Get(id string) (*workflow.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tpl, ok := s.templates[id]
	if !ok {
		return nil, types.Errorf(types.ErrNotFound, "template %q not found", id)
	}
	return tpl.Clone(), nil
}

// List returns copies of every template, most recently used first.
func (s *Store) List() []*workflow.Template {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*workflow.Template, 0, len(s.templates))
	for _, tpl := range s.templates {
		out = append(out, tpl.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Metadata.LastUsedAt.After(out[j].Metadata.LastUsedAt)
	})
	return out
}

// Delete removes a template from memory and disk.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[id]; !ok {
		return types.Errorf(types.ErrNotFound, "template %q not found", id)
	}
	delete(s.templates, id)
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return types.Errorf(types.ErrStoreIO, "remove template %s", id).WithCause(err)
	}
	s.invalidateCache()
	return nil
}

// RecordOutcome folds an execution outcome into the template statistics:
// usage count increments, the success rate moves toward the outcome by the
// EMA weight, and the last-used stamp refreshes.
func (s *Store) RecordOutcome(id string, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tpl, ok := s.templates[id]
	if !ok {
		return types.Errorf(types.ErrNotFound, "template %q not found", id)
	}

	outcome := 0.0
	if success {
		outcome = 1.0
	}
	if tpl.Metadata.UsageCount == 0 {
		tpl.Metadata.SuccessRate = outcome
	} else {
		tpl.Metadata.SuccessRate = (1-outcomeWeight)*tpl.Metadata.SuccessRate + outcomeWeight*outcome
	}
	tpl.Metadata.UsageCount++
	tpl.Metadata.LastUsedAt = s.clock()

	if err := s.persistLocked(tpl); err != nil {
		return err
	}
	s.invalidateCache()
	return nil
}

// Touch records a neutral usage: the count and recency move, the success
// rate does not. Used when an execution ends by user choice (permission
// denial) rather than template fault.
func (s *Store) Touch(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tpl, ok := s.templates[id]
	if !ok {
		return types.Errorf(types.ErrNotFound, "template %q not found", id)
	}
	tpl.Metadata.UsageCount++
	tpl.Metadata.LastUsedAt = s.clock()
	if err := s.persistLocked(tpl); err != nil {
		return err
	}
	s.invalidateCache()
	return nil
}

// AppendFeedback attaches user feedback text to a stored template without
// touching its structure or statistics.
func (s *Store) AppendFeedback(id, feedback string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tpl, ok := s.templates[id]
	if !ok {
		return types.Errorf(types.ErrNotFound, "template %q not found", id)
	}
	tpl.Metadata.Feedback = append(tpl.Metadata.Feedback, feedback)
	return s.persistLocked(tpl)
}

// FindSimilar returns up to k templates scored against question, descending
// by score with ties broken by success rate, usage count, then recency.
func (s *Store) FindSimilar(question string, k int) []Scored {
	if k <= 0 {
		k = 3
	}

	if cached, ok := s.cacheLookup(question, k); ok {
		return cached
	}

	s.mu.RLock()
	scored := make([]Scored, 0, len(s.templates))
	for _, tpl := range s.templates {
		score := Similarity(question, tpl.Metadata.QuestionPattern)
		if score <= 0 {
			continue
		}
		scored = append(scored, Scored{Template: tpl.Clone(), Score: score})
	}
	s.mu.RUnlock()

	sort.Slice(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Template.Metadata.SuccessRate != b.Template.Metadata.SuccessRate {
			return a.Template.Metadata.SuccessRate > b.Template.Metadata.SuccessRate
		}
		if a.Template.Metadata.UsageCount != b.Template.Metadata.UsageCount {
			return a.Template.Metadata.UsageCount > b.Template.Metadata.UsageCount
		}
		return a.Template.Metadata.LastUsedAt.After(b.Template.Metadata.LastUsedAt)
	})

	if len(scored) > k {
		scored = scored[:k]
	}
	s.cacheStore(question, k, scored)
	return scored
}

// Statistics aggregates the store contents.
func (s *Store) Statistics() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{ByCategory: make(map[string]int)}
	stats.TotalTemplates = len(s.templates)

	var rateSum float64
	for _, tpl := range s.templates {
		stats.TotalUsage += tpl.Metadata.UsageCount
		rateSum += tpl.Metadata.SuccessRate
		for _, tag := range tpl.Metadata.Tags {
			stats.ByCategory[tag]++
		}
	}
	if stats.TotalTemplates > 0 {
		stats.AvgSuccessRate = rateSum / float64(stats.TotalTemplates)
	}
	return stats
}
