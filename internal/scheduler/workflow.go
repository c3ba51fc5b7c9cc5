package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/calderlabs/overseer/pkg/models"
)

// runWorkflow executes steps in dependency order. A failed step skips
// everything that transitively depends on it; independent steps still
// run. The combined error covers every failed or skipped step.
func runWorkflow(ctx context.Context, router ToolCaller, steps []models.WorkflowStep) error {
	order, err := topoOrder(steps)
	if err != nil {
		return err
	}

	byID := make(map[string]models.WorkflowStep, len(steps))
	for _, step := range steps {
		byID[step.ID] = step
	}

	failed := make(map[string]bool)
	var errs []error
	for _, id := range order {
		step := byID[id]

		blocked := ""
		for _, dep := range step.DependsOn {
			if failed[dep] {
				blocked = dep
				break
			}
		}
		if blocked != "" {
			failed[id] = true
			errs = append(errs, fmt.Errorf("step %s skipped: dependency %s failed", id, blocked))
			continue
		}

		result, err := router.Route(ctx, step.ToolName, step.Parameters)
		if err == nil && !result.Success {
			err = fmt.Errorf("tool reported failure: %s", result.Error)
		}
		if err != nil {
			failed[id] = true
			errs = append(errs, fmt.Errorf("step %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// topoOrder returns a dependency-respecting step order via Kahn's
// algorithm. Ties break in declaration order so runs are deterministic.
func topoOrder(steps []models.WorkflowStep) ([]string, error) {
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string)
	position := make(map[string]int, len(steps))

	for i, step := range steps {
		if step.ID == "" {
			return nil, fmt.Errorf("workflow step %d has no id", i)
		}
		if _, dup := position[step.ID]; dup {
			return nil, fmt.Errorf("duplicate workflow step id %s", step.ID)
		}
		position[step.ID] = i
		indegree[step.ID] = 0
	}
	for _, step := range steps {
		for _, dep := range step.DependsOn {
			if _, ok := position[dep]; !ok {
				return nil, fmt.Errorf("step %s depends on unknown step %s", step.ID, dep)
			}
			indegree[step.ID]++
			dependents[dep] = append(dependents[dep], step.ID)
		}
	}

	var ready []string
	for _, step := range steps {
		if indegree[step.ID] == 0 {
			ready = append(ready, step.ID)
		}
	}

	order := make([]string, 0, len(steps))
	for len(ready) > 0 {
		// Pick the earliest-declared ready step.
		best := 0
		for i := 1; i < len(ready); i++ {
			if position[ready[i]] < position[ready[best]] {
				best = i
			}
		}
		id := ready[best]
		ready = append(ready[:best], ready[best+1:]...)
		order = append(order, id)

		for _, dependent := range dependents[id] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(order) != len(steps) {
		return nil, fmt.Errorf("workflow has a dependency cycle")
	}
	return order, nil
}
