package handoff

import (
	"fmt"
	"strings"

	"github.com/mkessler/teamloop/internal/types"
)

// FormatHandoffBlock renders a parsed handoff back into block form.
// Re-parsing the rendered text yields a ParsedHandoff equal in all
// required fields (task id, status, next steps) to the original.
func FormatHandoffBlock(p *types.ParsedHandoff) string {
	var b strings.Builder

	fmt.Fprintf(&b, "<handoff task=\"%d\">\n", p.TaskID)
	fmt.Fprintf(&b, "  <status>%s</status>\n", p.Status)

	if len(p.FilesModified) > 0 {
		b.WriteString("  <files-modified>\n")
		for _, f := range p.FilesModified {
			fmt.Fprintf(&b, "    <file path=%q", f.Path)
			if f.Lines != "" {
				fmt.Fprintf(&b, " lines=%q", f.Lines)
			}
			if f.Functions != "" {
				fmt.Fprintf(&b, " functions=%q", f.Functions)
			}
			b.WriteString("/>\n")
		}
		b.WriteString("  </files-modified>\n")
	}

	if len(p.FilesToTouch) > 0 {
		b.WriteString("  <files-to-touch>\n")
		for _, f := range p.FilesToTouch {
			fmt.Fprintf(&b, "    <file path=%q", f.Path)
			if f.Reason != "" {
				fmt.Fprintf(&b, " reason=%q", f.Reason)
			}
			b.WriteString("/>\n")
		}
		b.WriteString("  </files-to-touch>\n")
	}

	if p.CurrentState != "" {
		fmt.Fprintf(&b, "  <current-state>%s</current-state>\n", p.CurrentState)
	}
	if p.Blockers != "" {
		fmt.Fprintf(&b, "  <blockers>%s</blockers>\n", p.Blockers)
	}
	fmt.Fprintf(&b, "  <next-steps>%s</next-steps>\n", p.NextSteps)
	if p.Context != "" {
		fmt.Fprintf(&b, "  <context>%s</context>\n", p.Context)
	}

	b.WriteString("</handoff>")
	return b.String()
}

// FormatForInjection renders a handoff (or its absence) into a prompt
// fragment instructing the replacement agent to continue from recorded
// state. The fragment is opaque payload for the agent invocation
// collaborator.
func FormatForInjection(h *types.AgentHandoff) string {
	var b strings.Builder

	b.WriteString("## Taking Over From a Previous Agent\n\n")

	if h == nil || h.Parsed == nil {
		b.WriteString("The previous agent left no structured handoff. ")
		b.WriteString("Inspect the working tree for uncommitted changes before starting fresh.\n")
		return b.String()
	}

	p := h.Parsed
	fmt.Fprintf(&b, "You are replacing agent %s (%s)", h.AgentID, h.Role)
	if p.TaskID > 0 {
		fmt.Fprintf(&b, " on task %d", p.TaskID)
	}
	fmt.Fprintf(&b, ". Its reported status was: %s.\n\n", p.Status)

	if p.CurrentState != "" {
		b.WriteString("### Where It Left Off\n")
		b.WriteString(p.CurrentState + "\n\n")
	}

	if len(p.FilesModified) > 0 {
		b.WriteString("### Files Already Modified\n")
		for _, f := range p.FilesModified {
			fmt.Fprintf(&b, "- %s", f.Path)
			if f.Functions != "" {
				fmt.Fprintf(&b, " (functions: %s)", f.Functions)
			}
			if f.Lines != "" {
				fmt.Fprintf(&b, " (lines: %s)", f.Lines)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	if len(p.FilesToTouch) > 0 {
		b.WriteString("### Files It Planned to Touch\n")
		for _, f := range p.FilesToTouch {
			fmt.Fprintf(&b, "- %s", f.Path)
			if f.Reason != "" {
				fmt.Fprintf(&b, ": %s", f.Reason)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	if p.Blockers != "" {
		b.WriteString("### Known Blockers\n")
		b.WriteString(p.Blockers + "\n\n")
	}

	b.WriteString("### Next Steps\n")
	if p.NextSteps != "" {
		b.WriteString(p.NextSteps + "\n\n")
	} else {
		b.WriteString("(none recorded)\n\n")
	}

	if p.Context != "" {
		b.WriteString("### Additional Context\n")
		b.WriteString(p.Context + "\n\n")
	}

	b.WriteString("Continue from the recorded state. Do not redo completed work.\n")
	return b.String()
}
