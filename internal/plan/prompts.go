package plan

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/mkessler/teamloop/internal/types"
)

// Prompt templates for the planning and review roles. Developer task
// prompts get retry-context and handoff fragments appended by the
// loop, not here.

const planPromptTemplate = `# ROLE

You are the CEO of a software project. Produce a high-level plan.

# REQUIREMENTS

{{.Requirements}}

# OUTPUT

Respond with a JSON object:
{"project_name": "...", "summary": "...", "milestones": [{"name": "...", "description": "..."}]}

When the plan is final, emit the marker PLAN_COMPLETE on its own line after the JSON.`

const breakdownPromptTemplate = `# ROLE

You are the Staff Engineer. Break the plan below into batches of
concrete development tasks.

# PLAN

Project: {{.Plan.ProjectName}}
{{.Plan.Summary}}

Milestones:
{{range .Plan.Milestones}}- {{.Name}}: {{.Description}}
{{end}}

# RULES

- Task ids are positive integers, unique across all batches.
- depends_on lists task ids that must finish first, within the same batch.
- max_parallel_tasks bounds how many of a batch's tasks run at once.

# OUTPUT

Respond with a JSON object:
{"batches": [{"name": "...", "max_parallel_tasks": 2, "tasks": [{"id": 1, "title": "...", "description": "...", "files": ["..."], "complexity": "simple|standard|complex", "context": "...", "depends_on": []}]}]}

When the breakdown is final, emit the marker TASKS_READY on its own line after the JSON.`

const taskPromptTemplate = `# YOUR TASK

**Task {{.Task.ID}}**: {{.Task.Title}}

{{if .Task.Description}}## Description
{{.Task.Description}}

{{end}}{{if .Task.Files}}## Files
{{range .Task.Files}}- {{.}}
{{end}}
{{end}}{{if .Task.Context}}## Context
{{.Task.Context}}

{{end}}# COMPLETION

Implement the task fully. When done and the project builds and tests
pass locally, emit the marker TASK_COMPLETE on its own line. If you
cannot finish, emit a handoff block describing your state instead.`

const qaPromptTemplate = `# ROLE

You are QA for the project "{{.ProjectName}}". The development phase
just finished these tasks:

{{range .Tasks}}- Task {{.ID}}: {{.Title}}
{{end}}

Run the test suite, probe edge cases, and report defects as concrete,
reproducible findings. When your pass is complete, emit REVIEW_COMPLETE
on its own line. For end-to-end validation runs, emit E2E_COMPLETE.`

const approvalPromptTemplate = `# ROLE

You are the CEO reviewing the project "{{.ProjectName}}" for release.

Plan summary: {{.Summary}}

QA findings:
{{.QAReport}}

Decide whether the project meets the plan. Emit APPROVED on its own
line to accept, or REJECTED with a short list of what must change.`

var promptTemplates = template.Must(template.New("plan").Parse(planPromptTemplate))

func init() {
	template.Must(promptTemplates.New("breakdown").Parse(breakdownPromptTemplate))
	template.Must(promptTemplates.New("task").Parse(taskPromptTemplate))
	template.Must(promptTemplates.New("qa").Parse(qaPromptTemplate))
	template.Must(promptTemplates.New("approval").Parse(approvalPromptTemplate))
}

func render(name string, data interface{}) (string, error) {
	var buf bytes.Buffer
	if err := promptTemplates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("failed to render %s prompt: %w", name, err)
	}
	return buf.String(), nil
}

// BuildPlanPrompt renders the CEO planning prompt.
func BuildPlanPrompt(requirements string) (string, error) {
	return render("plan", struct{ Requirements string }{requirements})
}

// BuildBreakdownPrompt renders the Staff Engineer breakdown prompt.
func BuildBreakdownPrompt(p *Plan) (string, error) {
	return render("breakdown", struct{ Plan *Plan }{p})
}

// BuildTaskPrompt renders the developer prompt for one task.
func BuildTaskPrompt(task *types.DevTask) (string, error) {
	return render("task", struct{ Task *types.DevTask }{task})
}

// BuildQAPrompt renders the QA phase prompt over the completed tasks.
func BuildQAPrompt(projectName string, tasks []*types.DevTask) (string, error) {
	return render("qa", struct {
		ProjectName string
		Tasks       []*types.DevTask
	}{projectName, tasks})
}

// BuildApprovalPrompt renders the CEO approval prompt.
func BuildApprovalPrompt(p *Plan, qaReport string) (string, error) {
	return render("approval", struct {
		ProjectName string
		Summary     string
		QAReport    string
	}{p.ProjectName, p.Summary, qaReport})
}
