package plan

import (
	"strings"
	"testing"

	"github.com/mkessler/teamloop/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const planOutput = `
I've thought about the requirements. Here's the plan:

` + "```json" + `
{
  "project_name": "invoicer",
  "summary": "A small invoicing service",
  "milestones": [
    {"name": "Data model", "description": "Schema and migrations"},
    {"name": "API", "description": "CRUD endpoints"}
  ]
}
` + "```" + `

PLAN_COMPLETE
`

func TestParsePlan(t *testing.T) {
	p, err := ParsePlan(planOutput)
	require.NoError(t, err)
	assert.Equal(t, "invoicer", p.ProjectName)
	require.Len(t, p.Milestones, 2)
	assert.Equal(t, "API", p.Milestones[1].Name)
}

func TestParsePlanRejectsEmptyAndMalformed(t *testing.T) {
	_, err := ParsePlan("no structure here")
	assert.Error(t, err)

	_, err = ParsePlan(`{"project_name": "x", "milestones": []}`)
	assert.Error(t, err, "a plan without milestones is useless")
}

const breakdownOutput = `
Breaking the plan into batches:

{
  "batches": [
    {
      "name": "Core",
      "max_parallel_tasks": 2,
      "tasks": [
        {"id": 3, "title": "API handlers", "depends_on": [1, 2]},
        {"id": 1, "title": "Schema", "depends_on": []},
        {"id": 2, "title": "Migrations", "depends_on": [1]}
      ]
    },
    {
      "name": "Polish",
      "tasks": [
        {"id": 4, "title": "Error pages", "complexity": "simple"}
      ]
    }
  ]
}

TASKS_READY
`

func TestParseTaskBreakdown(t *testing.T) {
	batches, err := ParseTaskBreakdown(breakdownOutput)
	require.NoError(t, err)
	require.Len(t, batches, 2)

	core := batches[0]
	assert.Equal(t, "Core", core.Name)
	assert.Equal(t, 2, core.MaxParallelTasks)
	assert.Equal(t, types.BatchPending, core.Status)
	require.Len(t, core.Tasks, 3)

	// Dependencies must come before dependents
	pos := make(map[int]int)
	for i, task := range core.Tasks {
		pos[task.ID] = i
	}
	assert.Less(t, pos[1], pos[2], "schema before migrations")
	assert.Less(t, pos[2], pos[3], "migrations before handlers")

	for _, task := range core.Tasks {
		assert.Equal(t, types.DefaultMaxRetries, task.MaxRetries)
		assert.Equal(t, types.TaskPending, task.Status)
	}

	polish := batches[1]
	assert.Equal(t, 1, polish.MaxParallelTasks, "parallelism defaults to 1")
	assert.Equal(t, types.ComplexitySimple, polish.Tasks[0].Complexity)
}

func TestParseTaskBreakdownRejections(t *testing.T) {
	tests := []struct {
		name   string
		output string
	}{
		{
			name:   "unknown dependency",
			output: `{"batches": [{"name": "b", "tasks": [{"id": 1, "title": "t", "depends_on": [9]}]}]}`,
		},
		{
			name:   "self dependency",
			output: `{"batches": [{"name": "b", "tasks": [{"id": 1, "title": "t", "depends_on": [1]}]}]}`,
		},
		{
			name: "cycle",
			output: `{"batches": [{"name": "b", "tasks": [
				{"id": 1, "title": "a", "depends_on": [2]},
				{"id": 2, "title": "b", "depends_on": [1]}]}]}`,
		},
		{
			name: "duplicate ids across batches",
			output: `{"batches": [
				{"name": "b1", "tasks": [{"id": 1, "title": "a"}]},
				{"name": "b2", "tasks": [{"id": 1, "title": "b"}]}]}`,
		},
		{
			name:   "missing title",
			output: `{"batches": [{"name": "b", "tasks": [{"id": 1, "title": "  "}]}]}`,
		},
		{
			name:   "no batches",
			output: `{"batches": []}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTaskBreakdown(tt.output)
			assert.Error(t, err)
		})
	}
}

func TestPromptBuilders(t *testing.T) {
	planPrompt, err := BuildPlanPrompt("build a todo app")
	require.NoError(t, err)
	assert.Contains(t, planPrompt, "build a todo app")
	assert.Contains(t, planPrompt, "PLAN_COMPLETE")

	p := &Plan{
		ProjectName: "todo",
		Summary:     "a todo app",
		Milestones:  []Milestone{{Name: "core", Description: "basics"}},
	}
	breakdown, err := BuildBreakdownPrompt(p)
	require.NoError(t, err)
	assert.Contains(t, breakdown, "core: basics")
	assert.Contains(t, breakdown, "TASKS_READY")

	task := &types.DevTask{
		ID:    7,
		Title: "wire the router",
		Files: []string{"internal/http/router.go"},
	}
	taskPrompt, err := BuildTaskPrompt(task)
	require.NoError(t, err)
	assert.Contains(t, taskPrompt, "Task 7")
	assert.Contains(t, taskPrompt, "internal/http/router.go")
	assert.Contains(t, taskPrompt, "TASK_COMPLETE")

	qaPrompt, err := BuildQAPrompt("todo", []*types.DevTask{task})
	require.NoError(t, err)
	assert.Contains(t, qaPrompt, "wire the router")
	assert.Contains(t, qaPrompt, "REVIEW_COMPLETE")

	approval, err := BuildApprovalPrompt(p, "all tests green")
	require.NoError(t, err)
	assert.Contains(t, approval, "all tests green")
	assert.True(t, strings.Contains(approval, "APPROVED") && strings.Contains(approval, "REJECTED"))
}
