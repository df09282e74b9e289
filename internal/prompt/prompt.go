// Package prompt builds the task prompts submitted to the engine. The
// orchestrator treats the produced strings as opaque.
package prompt

import (
	"fmt"
	"strings"

	"github.com/Tafka-4/codex-agent-management/internal/session"
)

// resultInstructions ask the engine for the structured output the normalizer
// decodes. The shape must stay in sync with session.AgentResult.
const resultInstructions = `When you are done, reply with a single JSON object and nothing else:
{"outcome": "solved", "flag": "<the flag>", "summary": "<how you solved it>"}
If you cannot make progress without more information, reply instead with:
{"outcome": "need_more_info", "summary": "<what you tried and what you need>"}`

// Builder renders initial and hint prompts from problem metadata.
type Builder struct{}

// NewBuilder creates a prompt builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Initial builds the first prompt of a session.
func (b *Builder) Initial(problem session.Problem, paths session.RuntimePaths) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are solving a %s challenge titled %q.\n\n", problem.Category, problem.Title)
	if problem.Description != "" {
		fmt.Fprintf(&sb, "Challenge description:\n%s\n\n", problem.Description)
	}
	fmt.Fprintf(&sb, "Your working directory is %s.\n", paths.WorkspacePath)
	if paths.ArtifactPath != "" {
		fmt.Fprintf(&sb, "The challenge artifact is at %s.\n", paths.ArtifactPath)
	}
	sb.WriteString("\n")
	sb.WriteString(resultInstructions)
	return sb.String()
}

// Hint builds the follow-up prompt for a resumed run.
func (b *Builder) Hint(problem session.Problem, hint string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "An operator provided a hint for the %q challenge:\n%s\n\n", problem.Title, hint)
	sb.WriteString("Continue from where you left off, taking the hint into account.\n\n")
	sb.WriteString(resultInstructions)
	return sb.String()
}
