// Package plan turns planning-agent output into the task batches the
// orchestrator executes. The CEO produces a milestone plan; the Staff
// Engineer breaks it into batches of DevTasks with dependencies, which
// are topologically ordered here before the queue ever sees them.
package plan

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gammazero/toposort"
	"github.com/mkessler/teamloop/internal/types"
)

// Milestone is one deliverable in the CEO's project plan.
type Milestone struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Plan is the CEO's high-level project plan.
type Plan struct {
	ProjectName string      `json:"project_name"`
	Summary     string      `json:"summary"`
	Milestones  []Milestone `json:"milestones"`
}

// breakdownDoc is the JSON shape the Staff Engineer emits.
type breakdownDoc struct {
	Batches []struct {
		Name             string `json:"name"`
		MaxParallelTasks int    `json:"max_parallel_tasks"`
		Tasks            []struct {
			ID          int              `json:"id"`
			Title       string           `json:"title"`
			Description string           `json:"description"`
			Files       []string         `json:"files"`
			Complexity  types.Complexity `json:"complexity"`
			Context     string           `json:"context"`
			DependsOn   []int            `json:"depends_on"`
		} `json:"tasks"`
	} `json:"batches"`
}

// ParsePlan extracts the CEO's plan from free-text agent output.
func ParsePlan(output string) (*Plan, error) {
	raw, err := extractJSON(output)
	if err != nil {
		return nil, fmt.Errorf("plan output: %w", err)
	}

	var p Plan
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("failed to parse plan: %w", err)
	}
	if len(p.Milestones) == 0 {
		return nil, fmt.Errorf("plan has no milestones")
	}
	return &p, nil
}

// ParseTaskBreakdown extracts task batches from Staff Engineer output.
// Tasks come back topologically ordered by DependsOn within each
// batch, with the default retry cap applied.
func ParseTaskBreakdown(output string) ([]*types.TaskBatch, error) {
	raw, err := extractJSON(output)
	if err != nil {
		return nil, fmt.Errorf("breakdown output: %w", err)
	}

	var doc breakdownDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("failed to parse task breakdown: %w", err)
	}
	if len(doc.Batches) == 0 {
		return nil, fmt.Errorf("task breakdown has no batches")
	}

	seen := make(map[int]bool)
	var batches []*types.TaskBatch
	for i, b := range doc.Batches {
		batch := &types.TaskBatch{
			ID:               i + 1,
			Name:             b.Name,
			MaxParallelTasks: b.MaxParallelTasks,
			Status:           types.BatchPending,
		}
		if batch.MaxParallelTasks <= 0 {
			batch.MaxParallelTasks = 1
		}

		for _, t := range b.Tasks {
			if seen[t.ID] {
				return nil, fmt.Errorf("duplicate task id %d in breakdown", t.ID)
			}
			seen[t.ID] = true

			task := &types.DevTask{
				ID:          t.ID,
				Title:       t.Title,
				Description: t.Description,
				Files:       t.Files,
				Status:      types.TaskPending,
				Complexity:  t.Complexity,
				Context:     t.Context,
				DependsOn:   t.DependsOn,
				MaxRetries:  types.DefaultMaxRetries,
			}
			if err := task.Validate(); err != nil {
				return nil, fmt.Errorf("task %d invalid: %w", t.ID, err)
			}
			batch.Tasks = append(batch.Tasks, task)
		}

		ordered, err := orderByDependencies(batch.Tasks)
		if err != nil {
			return nil, fmt.Errorf("batch %q: %w", b.Name, err)
		}
		batch.Tasks = ordered
		batches = append(batches, batch)
	}

	return batches, nil
}

// orderByDependencies topologically sorts tasks so dependencies run
// first. Dependencies must resolve within the same batch; batches
// execute sequentially, so cross-batch edges are meaningless.
func orderByDependencies(tasks []*types.DevTask) ([]*types.DevTask, error) {
	byID := make(map[int]*types.DevTask, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("task %d depends on unknown task %d", t.ID, dep)
			}
			if dep == t.ID {
				return nil, fmt.Errorf("task %d depends on itself", t.ID)
			}
		}
	}

	var edges []toposort.Edge
	for _, t := range tasks {
		if len(t.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, t.ID})
			continue
		}
		for _, dep := range t.DependsOn {
			edges = append(edges, toposort.Edge{dep, t.ID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("dependency cycle: %w", err)
	}

	ordered := make([]*types.DevTask, 0, len(tasks))
	for _, id := range sorted {
		if id == nil {
			continue
		}
		ordered = append(ordered, byID[id.(int)])
	}
	if len(ordered) != len(tasks) {
		return nil, fmt.Errorf("dependency ordering lost %d tasks", len(tasks)-len(ordered))
	}
	return ordered, nil
}

// extractJSON pulls the outermost JSON object out of free text,
// tolerating code fences and surrounding prose.
func extractJSON(text string) (string, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", fmt.Errorf("no JSON object found")
	}
	return text[start : end+1], nil
}
