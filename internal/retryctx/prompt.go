package retryctx

import (
	"fmt"
	"strings"

	"github.com/mkessler/teamloop/internal/types"
)

// maxFailureOutputChars bounds per-failure output in the rendered
// prompt fragment
const maxFailureOutputChars = 1000

// BuildRetryPrompt renders a retry context into a prompt fragment for
// the next attempt. The fragment is opaque payload for the agent
// invocation collaborator; this package's contract ends at producing
// the text.
func BuildRetryPrompt(rc *types.RetryContext) string {
	var b strings.Builder

	b.WriteString("## Previous Attempt History\n\n")
	fmt.Fprintf(&b, "This task has failed %d time(s) before. Do not repeat the same approach.\n\n", rc.PreviousAttempts)

	if rc.LastError != "" {
		b.WriteString("### Most Recent Error\n")
		fmt.Fprintf(&b, "```\n%s\n```\n\n", rc.LastError)
	}

	if len(rc.VerificationFailures) > 0 {
		b.WriteString("### Verification Failures\n")
		for _, f := range rc.VerificationFailures {
			output := f.Output
			if len(output) > maxFailureOutputChars {
				output = output[:maxFailureOutputChars] + "\n... (truncated)"
			}
			fmt.Fprintf(&b, "- **%s** failed:\n```\n%s\n```\n", f.Stage, output)
		}
		b.WriteString("\n")
	}

	if len(rc.ErrorTraces) > 0 {
		b.WriteString("### Failure History\n")
		for _, t := range rc.ErrorTraces {
			fmt.Fprintf(&b, "Attempt %d (%s): %s\n", t.Iteration, t.ErrorType, t.Message)
			if len(t.FilesInvolved) > 0 {
				fmt.Fprintf(&b, "  Files involved: %s\n", strings.Join(t.FilesInvolved, ", "))
			}
			if t.SuggestedFix != "" {
				fmt.Fprintf(&b, "  Suggested fix: %s\n", t.SuggestedFix)
			}
		}
		b.WriteString("\n")
	}

	if rc.HumanResolution != "" {
		b.WriteString("### Human-Supplied Resolution\n")
		b.WriteString("A human reviewed this failure and said:\n")
		fmt.Fprintf(&b, "> %s\n\n", rc.HumanResolution)
		b.WriteString("Follow this guidance; it overrides your own judgment about the failure.\n")
	}

	return b.String()
}
