package inference

import "strings"

// Substitution placeholders recognized in prompt templates. A repository's
// configured template is treated as opaque text: only these markers are
// replaced, nothing else is parsed or validated.
const (
	PlaceholderMessage = "{commit_message}"
	PlaceholderDiff    = "{code_diff}"
	PlaceholderAuthor  = "{author}"
)

// TruncationMarker is appended when a diff exceeds the configured budget.
// Oversized content is shortened, never rejected.
const TruncationMarker = "\n... [diff truncated]"

const systemPrompt = "You are an expert code reviewer. You analyze git commits " +
	"and code changes, point out bugs, security issues and risky patterns, and " +
	"give concrete, actionable suggestions."

// DefaultTemplate is used when a repository has no prompt override.
const DefaultTemplate = `Analyze the following git commit and provide a detailed review.

Commit author: {author}
Commit message: {commit_message}

Code changes:
{code_diff}

Please explain:
1. What this commit does
2. The purpose and impact of the changes
3. Any potential problems
4. Suggestions and improvements`

// TruncateDiff bounds the diff at max characters, marking the cut.
func TruncateDiff(diff string, max int) string {
	if max <= 0 || len(diff) <= max {
		return diff
	}
	return diff[:max] + TruncationMarker
}

// BuildPrompt renders a template with the commit's fields, truncating the
// diff first. An empty template selects DefaultTemplate.
func BuildPrompt(template, message, diff, author string, maxDiffChars int) string {
	if template == "" {
		template = DefaultTemplate
	}
	return strings.NewReplacer(
		PlaceholderMessage, message,
		PlaceholderDiff, TruncateDiff(diff, maxDiffChars),
		PlaceholderAuthor, author,
	).Replace(template)
}
