package agent

import (
	"context"
	"encoding/json"

	"github.com/BaSui01/agentrun/llm"
	"github.com/BaSui01/agentrun/registry"
	"github.com/BaSui01/agentrun/store"
	"github.com/BaSui01/agentrun/types"
	"github.com/BaSui01/agentrun/workflow"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

// maxDesignAttempts bounds the validator-feedback retry loop: one initial
// attempt plus two retries.
const maxDesignAttempts = 3

// maxReviewRounds bounds the design-review loop.
const maxReviewRounds = 3

// Designer turns a question into a validated workflow template.
type Designer struct {
	provider llm.Provider
	registry *registry.Registry
	store    *store.Store
	model    string

	similarLimit int
	tokenBudget  int
	logger       *zap.Logger
}

// DesignerConfig wires a Designer.
type DesignerConfig struct {
	Provider     llm.Provider
	Registry     *registry.Registry
	Store        *store.Store
	Model        string
	SimilarLimit int
	TokenBudget  int
}

// NewDesigner creates the designer stage.
func NewDesigner(cfg DesignerConfig, logger *zap.Logger) *Designer {
	if cfg.SimilarLimit <= 0 {
		cfg.SimilarLimit = 3
	}
	return &Designer{
		provider:     cfg.Provider,
		registry:     cfg.Registry,
		store:        cfg.Store,
		model:        cfg.Model,
		similarLimit: cfg.SimilarLimit,
		tokenBudget:  cfg.TokenBudget,
		logger:       logger.With(zap.String("component", "designer")),
	}
}

// DesignResult is the designer's product: either a template or a direct
// textual answer for questions that need no workflow.
type DesignResult struct {
	Template     *workflow.Template
	DirectAnswer string
	Thinking     string
	PlanYAML     string
	Attempts     int
}

// Design produces a validated template for question. initialKeys lists the
// scratchpad keys already present at template entry; extraFeedback carries
// reviewer suggestions or an execution diagnostic into the prompt.
func (d *Designer) Design(ctx context.Context, question string, history []llm.Message, initialKeys []string, extraFeedback, previousPlan string) (*DesignResult, error) {
	ctx, span := otel.Tracer("agentrun").Start(ctx, "designer.design")
	defer span.End()

	catalog := d.registry.SummarizeForPlanner(d.tokenBudget)
	similar := d.store.FindSimilar(question, d.similarLimit)
	d.logger.Info("designing workflow",
		zap.String("question", clip(question, 80)),
		zap.Int("similar_templates", len(similar)),
	)

	feedback := extraFeedback
	prior := previousPlan
	var lastErr error

	for attempt := 1; attempt <= maxDesignAttempts; attempt++ {
		var prompt string
		if feedback == "" {
			prompt = designPrompt(question, catalog, similar, history)
		} else {
			prompt = revisionPrompt(question, catalog, similar, prior, feedback)
		}

		resp, err := d.provider.Completion(ctx, &llm.ChatRequest{
			Model:    d.model,
			Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		})
		if err != nil {
			lastErr = types.NewError(types.ErrDesignFailed, "designer llm call failed").WithCause(err)
			d.logger.Warn("design attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		result, validationErr := d.validate(resp.Content, question, initialKeys)
		if validationErr == nil {
			result.Attempts = attempt
			d.logger.Info("workflow designed",
				zap.Int("attempts", attempt),
				zap.Bool("direct_answer", result.DirectAnswer != ""),
			)
			return result, nil
		}

		lastErr = validationErr
		feedback = "The previous plan was rejected by the validator:\n" + validationErr.Error()
		prior = resp.Content
		d.logger.Warn("plan rejected by validator",
			zap.Int("attempt", attempt),
			zap.Error(validationErr),
		)
	}

	return nil, types.NewError(types.ErrDesignFailed, "no valid plan after 3 attempts").WithCause(lastErr)
}

func (d *Designer) validate(response, question string, initialKeys []string) (*DesignResult, error) {
	doc, err := parsePlan(response)
	if err != nil {
		return nil, err
	}

	if doc.DirectAnswer != "" && len(doc.Workflow.Steps) == 0 {
		return &DesignResult{DirectAnswer: doc.DirectAnswer, Thinking: doc.Thinking}, nil
	}

	tpl, err := doc.toTemplate(question)
	if err != nil {
		return nil, err
	}
	if err := tpl.Validate(d.registry, initialKeys); err != nil {
		return nil, err
	}
	tpl.Metadata.ID = tpl.ContentHash()

	planYAML, _ := extractYAML(response)
	return &DesignResult{Template: tpl, Thinking: doc.Thinking, PlanYAML: planYAML}, nil
}

// Review runs one design-review pass over a drafted template. round is
// 1-based; past maxReviewRounds the draft is forced through.
func (d *Designer) Review(ctx context.Context, question string, tpl *workflow.Template, round int) (*reviewDocument, error) {
	if round > maxReviewRounds {
		d.logger.Warn("review rounds exhausted, forcing execution", zap.Int("round", round))
		return &reviewDocument{
			Thinking:       "review budget exhausted",
			ReadyToExecute: true,
		}, nil
	}

	plan, err := json.MarshalIndent(tpl, "", "  ")
	if err != nil {
		return nil, err
	}
	resp, err := d.provider.Completion(ctx, &llm.ChatRequest{
		Model:    d.model,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: reviewPrompt(question, string(plan))}},
	})
	if err != nil {
		// a broken reviewer never blocks execution
		d.logger.Warn("review call failed, proceeding", zap.Error(err))
		return &reviewDocument{ReadyToExecute: true}, nil
	}

	review, parseErr := parseReview(resp.Content)
	if parseErr != nil {
		d.logger.Warn("review unparseable, proceeding", zap.Error(parseErr))
		return &reviewDocument{ReadyToExecute: true}, nil
	}
	return review, nil
}

func clip(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
