package store

import (
	"testing"
	"time"

	"github.com/BaSui01/agentrun/types"
	"github.com/BaSui01/agentrun/workflow"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type nameSet map[string]bool

func (n nameSet) Has(name string) bool { return n[name] }

func allNodes() nameSet {
	return nameSet{
		"flight_search": true, "cost_analysis": true,
		"flight_booking": true, "web_search": true,
	}
}

func template(question string, nodeNames ...string) *workflow.Template {
	tpl := &workflow.Template{
		Metadata: workflow.Metadata{
			Name:            "wf",
			Description:     question,
			QuestionPattern: question,
		},
	}
	for i, node := range nodeNames {
		tpl.Steps = append(tpl.Steps, workflow.Step{
			StepName: node + "_step",
			NodeName: node,
		})
		if i > 0 {
			tpl.Edges = append(tpl.Edges, workflow.Edge{
				From:   nodeNames[i-1] + "_step",
				To:     node + "_step",
				Action: workflow.DefaultAction,
			})
		}
	}
	return tpl
}

func open(t *testing.T) *Store {
	s, err := Open(t.TempDir(), nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	return s
}

func TestSaveLoadRoundTrip(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root, nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	tpl := template("cheap flights LAX to PVG afternoon", "flight_search", "cost_analysis")
	stored, err := s.Save(tpl, allNodes())
	require.NoError(t, err)
	require.NotEmpty(t, stored.Metadata.ID)

	// reopen from disk: field-wise equality
	s2, err := Open(root, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	loaded, err := s2.Get(stored.Metadata.ID)
	require.NoError(t, err)
	assert.Equal(t, stored.Metadata.ID, loaded.Metadata.ID)
	assert.Equal(t, stored.Metadata.QuestionPattern, loaded.Metadata.QuestionPattern)
	assert.Equal(t, stored.Steps, loaded.Steps)
	assert.Equal(t, stored.Edges, loaded.Edges)
}

func TestSaveRejectsZeroSteps(t *testing.T) {
	s := open(t)
	_, err := s.Save(&workflow.Template{}, nil)
	assert.Equal(t, types.ErrInvalidInput, types.CodeOf(err))
}

func TestSaveRejectsCycle(t *testing.T) {
	s := open(t)
	tpl := template("q", "flight_search", "cost_analysis")
	tpl.Edges = append(tpl.Edges, workflow.Edge{From: "cost_analysis_step", To: "flight_search_step"})
	_, err := s.Save(tpl, allNodes())
	assert.Equal(t, types.ErrInvalidInput, types.CodeOf(err))
}

func TestSaveRejectsUnknownNode(t *testing.T) {
	s := open(t)
	_, err := s.Save(template("q", "hotel_search"), allNodes())
	assert.Equal(t, types.ErrUnknownNode, types.CodeOf(err))
}

func TestIdenticalPlansCoalesce(t *testing.T) {
	s := open(t)
	first, err := s.Save(template("book flights", "flight_search"), allNodes())
	require.NoError(t, err)
	require.NoError(t, s.RecordOutcome(first.Metadata.ID, true))

	second, err := s.Save(template("book flights", "flight_search"), allNodes())
	require.NoError(t, err)
	assert.Equal(t, first.Metadata.ID, second.Metadata.ID)
	// stats survived the coalesced save
	assert.Equal(t, 1, second.Metadata.UsageCount)
	assert.Equal(t, 1.0, second.Metadata.SuccessRate)
	assert.Equal(t, 1, s.Statistics().TotalTemplates)
}

func TestRecordOutcomeEMA(t *testing.T) {
	s := open(t)
	stored, err := s.Save(template("q", "flight_search"), allNodes())
	require.NoError(t, err)
	id := stored.Metadata.ID

	require.NoError(t, s.RecordOutcome(id, true))
	got, _ := s.Get(id)
	assert.Equal(t, 1, got.Metadata.UsageCount)
	assert.Equal(t, 1.0, got.Metadata.SuccessRate)

	require.NoError(t, s.RecordOutcome(id, false))
	got, _ = s.Get(id)
	assert.Equal(t, 2, got.Metadata.UsageCount)
	assert.InDelta(t, 0.7, got.Metadata.SuccessRate, 1e-9)

	require.NoError(t, s.RecordOutcome(id, true))
	got, _ = s.Get(id)
	assert.InDelta(t, 0.79, got.Metadata.SuccessRate, 1e-9)

	err = s.RecordOutcome("missing", true)
	assert.Equal(t, types.ErrNotFound, types.CodeOf(err))
}

func TestDelete(t *testing.T) {
	s := open(t)
	stored, err := s.Save(template("q", "flight_search"), allNodes())
	require.NoError(t, err)

	require.NoError(t, s.Delete(stored.Metadata.ID))
	_, err = s.Get(stored.Metadata.ID)
	assert.Equal(t, types.ErrNotFound, types.CodeOf(err))
	assert.Equal(t, types.ErrNotFound, types.CodeOf(s.Delete(stored.Metadata.ID)))
}

func TestFindSimilar(t *testing.T) {
	s := open(t)
	a, err := s.Save(template("cheap flights LAX to PVG afternoon", "flight_search", "cost_analysis"), allNodes())
	require.NoError(t, err)
	_, err = s.Save(template("summarize quantum computing news", "web_search"), allNodes())
	require.NoError(t, err)

	results := s.FindSimilar("find affordable LAX PVG flights departing afternoon", 3)
	require.NotEmpty(t, results)
	assert.Equal(t, a.Metadata.ID, results[0].Template.Metadata.ID)
	assert.Greater(t, results[0].Score, 0.3)
}

func TestFindSimilarTieBreak(t *testing.T) {
	s := open(t)
	weak, err := s.Save(template("book flights to tokyo", "flight_search"), allNodes())
	require.NoError(t, err)
	strong, err := s.Save(template("book flights to tokyo", "flight_search", "cost_analysis"), allNodes())
	require.NoError(t, err)
	require.NotEqual(t, weak.Metadata.ID, strong.Metadata.ID)

	require.NoError(t, s.RecordOutcome(strong.Metadata.ID, true))
	require.NoError(t, s.RecordOutcome(weak.Metadata.ID, false))

	results := s.FindSimilar("book flights to tokyo", 2)
	require.Len(t, results, 2)
	assert.Equal(t, strong.Metadata.ID, results[0].Template.Metadata.ID)
}

func TestFindSimilarExactAboveParaphrase(t *testing.T) {
	s := open(t)
	_, err := s.Save(template("cheap flights LAX to PVG", "flight_search"), allNodes())
	require.NoError(t, err)

	exact := s.FindSimilar("cheap flights LAX to PVG", 1)
	permuted := s.FindSimilar("PVG to LAX flights cheap", 1)
	require.NotEmpty(t, exact)
	require.NotEmpty(t, permuted)
	assert.Greater(t, exact[0].Score, permuted[0].Score)
}

func TestStatistics(t *testing.T) {
	s := open(t)
	a, err := s.Save(template("flights", "flight_search", "flight_booking"), allNodes())
	require.NoError(t, err)
	_, err = s.Save(template("research", "web_search"), allNodes())
	require.NoError(t, err)
	require.NoError(t, s.RecordOutcome(a.Metadata.ID, true))

	stats := s.Statistics()
	assert.Equal(t, 2, stats.TotalTemplates)
	assert.Equal(t, 1, stats.TotalUsage)
	assert.InDelta(t, 0.5, stats.AvgSuccessRate, 1e-9)
	assert.Equal(t, 1, stats.ByCategory["flight"])
	assert.Equal(t, 1, stats.ByCategory["web"])
}

func TestLastUsedRefreshes(t *testing.T) {
	s := open(t)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return base }

	stored, err := s.Save(template("q", "flight_search"), allNodes())
	require.NoError(t, err)

	s.clock = func() time.Time { return base.Add(time.Hour) }
	require.NoError(t, s.RecordOutcome(stored.Metadata.ID, true))

	got, _ := s.Get(stored.Metadata.ID)
	assert.Equal(t, base.Add(time.Hour), got.Metadata.LastUsedAt)
}

func TestRetrievalCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewRetrievalCache(client, time.Minute, zaptest.NewLogger(t))

	s, err := Open(t.TempDir(), cache, zaptest.NewLogger(t))
	require.NoError(t, err)

	stored, err := s.Save(template("cheap flights LAX to PVG", "flight_search"), allNodes())
	require.NoError(t, err)

	first := s.FindSimilar("cheap flights LAX to PVG", 3)
	require.NotEmpty(t, first)

	// cached round: same result, served from redis
	second := s.FindSimilar("cheap flights LAX to PVG", 3)
	require.Len(t, second, len(first))
	assert.Equal(t, first[0].Template.Metadata.ID, second[0].Template.Metadata.ID)
	assert.InDelta(t, first[0].Score, second[0].Score, 1e-9)

	// a mutation bumps the generation; the next lookup recomputes and still
	// reflects the new statistics
	require.NoError(t, s.RecordOutcome(stored.Metadata.ID, true))
	third := s.FindSimilar("cheap flights LAX to PVG", 3)
	require.NotEmpty(t, third)
	assert.Equal(t, 1, third[0].Template.Metadata.UsageCount)
}
