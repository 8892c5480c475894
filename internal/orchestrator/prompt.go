package orchestrator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/spawnd/spawnd/internal/webhook"
)

// modelTagRe matches a [model=X] override in an issue description.
var modelTagRe = regexp.MustCompile(`\[model=([A-Za-z0-9_\-/.:]+)\]`)

// ModelOverride extracts a model override from the issue description.
func ModelOverride(description string) string {
	if m := modelTagRe.FindStringSubmatch(description); m != nil {
		return m[1]
	}
	return ""
}

// BuildPrompt renders the agent prompt for an issue. prevErr, when
// non-empty, is the failure of the previous attempt and is prepended so
// the next provider can avoid repeating it.
func BuildPrompt(issue *webhook.Issue, worktreePath, prevErr string) string {
	var b strings.Builder
	if prevErr != "" {
		fmt.Fprintf(&b, "[Previous attempt failed with: %s]\n\n", prevErr)
	}
	fmt.Fprintf(&b, "You are working on issue %s: %s\n\n", issue.Identifier, issue.Title)
	if issue.Description != "" {
		fmt.Fprintf(&b, "%s\n\n", issue.Description)
	}
	if len(issue.Labels) > 0 {
		fmt.Fprintf(&b, "Labels: %s\n", strings.Join(issue.Labels, ", "))
	}
	fmt.Fprintf(&b, "Working directory: %s\n\n", worktreePath)
	fmt.Fprintf(&b, "Implement the change described above. Commit your work with a commit message that contains %s.\n", issue.Identifier)
	return b.String()
}
