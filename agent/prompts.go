package agent

import (
	"fmt"
	"strings"

	"github.com/BaSui01/agentrun/llm"
	"github.com/BaSui01/agentrun/store"
)

const planSchema = `Return your response in YAML format:

` + "```yaml" + `
thinking: |
    <your step-by-step reasoning about how to solve this problem>
direct_answer: <answer text, ONLY when the question needs no workflow at all>
workflow:
  name: <workflow name>
  description: <brief description>
  steps:
    - step: <unique step name>
      node: <node name from the catalog>
      description: <what this step does>
      inputs:
        <input key>: <literal value>
        <input key>: {from: <scratchpad key written by an earlier step>}
      outputs: [<scratchpad keys this step writes>]
      requires_permission: <true/false>
  connections:
    - from: <step name>
      to: <step name>
      action: default
  shared_store_schema:
    <key>: <description>
estimated_steps: <number of steps>
requires_user_input: <true/false>
requires_permission: <true/false>
` + "```" + `

IMPORTANT: Use only nodes listed in the catalog. If you need a node that
does not exist, use the closest available one or ask the user via
user_query. Bind every step input either to a literal or to a key a prior
step declares in its outputs.`

func renderSimilar(similar []store.Scored) string {
	if len(similar) == 0 {
		return "none"
	}
	var b strings.Builder
	for _, s := range similar {
		meta := s.Template.Metadata
		fmt.Fprintf(&b, "- %q (nodes: %s, success rate %.2f, used %d times, score %.2f)\n",
			meta.QuestionPattern,
			strings.Join(s.Template.NodeNames(), ", "),
			meta.SuccessRate, meta.UsageCount, s.Score)
	}
	return b.String()
}

func renderHistory(history []llm.Message) string {
	if len(history) == 0 {
		return "none"
	}
	var b strings.Builder
	for _, m := range history {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return b.String()
}

// designPrompt assembles the initial design instruction.
func designPrompt(question, catalog string, similar []store.Scored, history []llm.Message) string {
	return fmt.Sprintf(`You are a workflow designer agent. Analyze the user's question and design a workflow to solve it.

USER QUESTION: %s

CONVERSATION SO FAR:
%s
%s
SIMILAR WORKFLOWS (for reference):
%s
Design a workflow that solves the question. Consider:
1. What information needs to be gathered?
2. What analysis or processing is required?
3. Which actions need user permission?
4. How should the results be presented?

%s`, question, renderHistory(history), catalog, renderSimilar(similar), planSchema)
}

// revisionPrompt asks for a redesign given validator or reviewer feedback.
func revisionPrompt(question, catalog string, similar []store.Scored, previousPlan, feedback string) string {
	return fmt.Sprintf(`You are a workflow designer agent. Redesign the workflow for the user's question, addressing the feedback below.

USER QUESTION: %s

PREVIOUS PLAN:
%s

FEEDBACK TO ADDRESS:
%s
%s
SIMILAR WORKFLOWS (for reference):
%s
%s`, question, previousPlan, feedback, catalog, renderSimilar(similar), planSchema)
}

// reviewPrompt asks the reviewer to critique a drafted plan.
func reviewPrompt(question, plan string) string {
	return fmt.Sprintf(`You are a workflow reviewer agent. Critically evaluate the following workflow design for the user's question.

USER QUESTION:
%s

WORKFLOW DESIGN:
%s

Your review must be specific and actionable. If revision is needed, every
suggestion must address a concrete flaw in this design. If the workflow is
ready, say why no further improvement is needed. Check that the design fully
addresses the question, has no missing, redundant or misordered steps, covers
all required inputs and outputs, and is as simple as possible.

Return your response in YAML format:

`+"```yaml"+`
thinking: |
    <your reasoning about the workflow quality>
needs_revision: <true/false>
revision_suggestions:
  - <suggestion>
ready_to_execute: <true/false>
`+"```", question, plan)
}

// diagnosticPrompt summarizes an execution failure for the redesign attempt.
func diagnosticPrompt(stepName, errorKind, message string, completed []string) string {
	return fmt.Sprintf(`The previous execution of this workflow failed.

FAILED STEP: %s
ERROR KIND: %s
ERROR: %s
STEPS COMPLETED BEFORE THE FAILURE: %s

Redesign the workflow to avoid this failure: replace or reorder the failing
step, add a user_query step to gather missing information, or choose
different nodes.`, stepName, errorKind, message, strings.Join(completed, ", "))
}

// summaryPrompt asks the model to phrase the final reply from node output.
func summaryPrompt(question string, material []string) string {
	return fmt.Sprintf(`Compose a concise, helpful reply to the user.

USER QUESTION: %s

RESULTS FROM THE EXECUTED WORKFLOW:
%s

Reply in plain prose. Mention concrete results (prices, confirmations,
references) when present. Do not mention workflows, nodes or internal
machinery.`, question, strings.Join(material, "\n"))
}
