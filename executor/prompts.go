// ABOUTME: System prompts per step role plus structured-output, degradation, and delegate tool guidance.
// ABOUTME: Builds the full system prompt for a step execution; the task brief arrives as the user message.
package executor

import (
	"strings"

	"github.com/2389-research/drover/conductor"
	"github.com/2389-research/drover/pipeline"
)

// analysisSystemPrompt is the system prompt for analysis-role steps.
const analysisSystemPrompt = "You are the analysis agent for a workflow step. " +
	"Your job is to investigate the task before anyone acts on it: identify the real goal, " +
	"the constraints, the risks, and anything ambiguous or missing. Read the task brief and " +
	"any upstream step output carefully, then produce a focused written analysis. " +
	"Do not propose a full plan and do not do the work; surface what the downstream " +
	"steps need to know to do it well."

// plannerSystemPrompt is the system prompt for planner-role steps.
const plannerSystemPrompt = "You are the planner agent for a workflow step. " +
	"Your job is to turn the task and any upstream analysis into an ordered, actionable plan: " +
	"concrete steps, what each one produces, and the order they must happen in. " +
	"Call out dependencies between steps and the checks that tell you a step worked. " +
	"Keep the plan as short as the task allows; padding a plan is worse than a gap someone can ask about."

// orchestratorSystemPrompt is the system prompt for orchestrator-role steps.
const orchestratorSystemPrompt = "You are the orchestrator agent for a workflow step. " +
	"Your job is to take stock of the work so far and decide what happens next: which parts " +
	"of the task are done, which are blocked, and what the single most useful next action is. " +
	"Summarize the state of the work in plain terms, then state your routing decision and why. " +
	"When the upstream output is incomplete or contradictory, say so explicitly rather than papering over it."

// executorSystemPrompt is the system prompt for executor-role steps.
const executorSystemPrompt = "You are the execution agent for a workflow step. " +
	"Your job is to do the work the task brief describes, concretely and completely. " +
	"Follow the instructions in the brief, build on the upstream step output instead of " +
	"redoing it, and produce the actual deliverable, not a description of how you would produce it. " +
	"If part of the task cannot be done with what you have, do the rest and state plainly what is missing."

// testerSystemPrompt is the system prompt for tester-role steps.
const testerSystemPrompt = "You are the tester agent for a workflow step. " +
	"Your job is to verify the upstream work against the task: check that what was produced " +
	"actually satisfies the brief, probe the edge cases, and list every defect you find with " +
	"enough detail to reproduce it. Be specific about what you checked and how. " +
	"A pass verdict from you means you checked, not that nothing jumped out."

// reviewSystemPrompt is the system prompt for review-role steps.
const reviewSystemPrompt = "You are the review agent for a workflow step. " +
	"Your job is to judge the upstream work as a careful reviewer would: correctness first, " +
	"then completeness against the task brief, then quality. Give concrete, actionable findings " +
	"tied to specific parts of the work. Distinguish blocking problems from suggestions, " +
	"and when the work is good enough to proceed, say so without inventing objections."

// structuredOutputGuide is appended for steps held to the structured-output
// contract. The status enum and field names here are what the contract
// evaluation recognizes.
const structuredOutputGuide = "\n\nOUTPUT CONTRACT: End your reply with a single JSON object declaring your verdict:\n" +
	"{\"status\": \"...\", \"next_action\": \"...\", \"summary\": \"...\"}\n" +
	"- status must be one of: PASS, FAIL, COMPLETE, NEEDS_REVISION, BLOCKED, IN_PROGRESS\n" +
	"- next_action states what should happen next in one sentence\n" +
	"- summary condenses your findings into one short paragraph\n" +
	"Do not use free-text WORKFLOW_STATUS markers; only the JSON object is accepted."

// degradedNotice is appended when the attempt runs on a reduced profile after
// a timeout.
const degradedNotice = "\n\nNOTE: This attempt runs with a reduced context budget because a previous " +
	"attempt timed out. Take the shortest path to a useful answer: skip exploration, " +
	"keep the output tight, and prefer a complete small result over a partial large one."

// systemPromptForRole returns the base system prompt for a step role.
// Unrecognized roles fall back to the execution prompt, matching how the
// engine schedules them.
func systemPromptForRole(role pipeline.Role) string {
	switch role {
	case pipeline.RoleAnalysis:
		return analysisSystemPrompt
	case pipeline.RolePlanner:
		return plannerSystemPrompt
	case pipeline.RoleOrchestrator:
		return orchestratorSystemPrompt
	case pipeline.RoleTester:
		return testerSystemPrompt
	case pipeline.RoleReview:
		return reviewSystemPrompt
	default:
		return executorSystemPrompt
	}
}

// buildSystemPrompt assembles the full system prompt for one step attempt:
// role prompt, then the structured-output contract when the step is held to
// it, then required-artifact expectations, then the degraded notice.
func buildSystemPrompt(req conductor.ExecRequest) string {
	step := req.Step
	var b strings.Builder
	b.WriteString(systemPromptForRole(step.Role))

	if conductor.RequiresStructuredOutput(step) {
		b.WriteString(structuredOutputGuide)
		if len(step.RequiredOutputFields) > 0 {
			b.WriteString("\nThe JSON object must also include these fields: ")
			b.WriteString(strings.Join(step.RequiredOutputFields, ", "))
			b.WriteString(".")
		}
	}

	if len(step.RequiredOutputFiles) > 0 && req.StorageRoot != "" {
		b.WriteString("\n\nREQUIRED ARTIFACTS: This step must leave the following files under ")
		b.WriteString(req.StorageRoot)
		b.WriteString(":\n")
		for _, f := range step.RequiredOutputFiles {
			b.WriteString("- ")
			b.WriteString(f)
			b.WriteString("\n")
		}
		b.WriteString("A gate checks for them after the step completes.")
	}

	if req.Profile.Degraded {
		b.WriteString(degradedNotice)
	}

	return b.String()
}

// delegateToolGuide returns the tool usage guidance appended to delegated
// agent system prompts. toolNames lists the bridged external tools, already
// qualified with their server id.
func delegateToolGuide(toolNames []string) string {
	guide := "\n\nYou run as a delegated agent and finish by publishing a result.\n" +
		"You have the following tools:\n" +
		"- record_note: Post a short progress note. Use this to leave a trail of what you did and found.\n" +
		"- publish_result: Publish the final result text for this step. Call this LAST, exactly once.\n"
	if len(toolNames) > 0 {
		guide += "- External tools: " + strings.Join(toolNames, ", ") + ". Use them to do the work.\n"
	}
	guide += "\nWorkflow: 1) work the task, using the external tools where they apply " +
		"2) record_note as you learn things 3) publish_result with the final output (finish)"
	return guide
}
