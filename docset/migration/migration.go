// Package migration orchestrates light schema migrations: named tasks
// with declared dependencies, laid out into waves that run
// concurrently, with applied state tracked in the store itself.
package migration

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/arthur-debert/docset/docset"
	"github.com/arthur-debert/docset/internal/logging"
)

// Record tracks one applied migration in the migrations collection.
type Record struct {
	docset.Document `bson:",inline"`

	Name      string    `bson:"name"`
	RunID     string    `bson:"run_id"`
	AppliedAt time.Time `bson:"applied_at"`
}

var records = docset.MustRegister[Record](docset.WithCollectionName("migrations"))

// Task is one migration step. Apply performs the change; Revert, when
// provided, undoes it. DependsOn names tasks that must be applied
// first.
type Task struct {
	Name      string
	DependsOn []string
	Apply     func(ctx context.Context) error
	Revert    func(ctx context.Context) error
}

// Runner owns a set of tasks and drives them against the shared
// connection.
type Runner struct {
	tasks map[string]Task
	order []string
}

// NewRunner validates the task set: names must be unique and non-empty
// and every dependency must name a registered task.
func NewRunner(tasks ...Task) (*Runner, error) {
	r := &Runner{tasks: make(map[string]Task, len(tasks))}
	for _, task := range tasks {
		if task.Name == "" {
			return nil, fmt.Errorf("%w: migration task without a name", docset.ErrInvalidArgument)
		}
		if _, dup := r.tasks[task.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate migration task %q", docset.ErrInvalidArgument, task.Name)
		}
		if task.Apply == nil {
			return nil, fmt.Errorf("%w: migration task %q has no apply step", docset.ErrInvalidArgument, task.Name)
		}
		r.tasks[task.Name] = task
		r.order = append(r.order, task.Name)
	}
	for _, task := range r.tasks {
		for _, dep := range task.DependsOn {
			if _, ok := r.tasks[dep]; !ok {
				return nil, fmt.Errorf("%w: task %q depends on unknown task %q", docset.ErrInvalidArgument, task.Name, dep)
			}
		}
	}
	if _, err := r.waves(); err != nil {
		return nil, err
	}
	return r, nil
}

// waves layers the dependency graph: each wave holds tasks whose
// dependencies are all satisfied by earlier waves, so tasks within a
// wave are independent and can run concurrently.
func (r *Runner) waves() ([][]string, error) {
	indegree := make(map[string]int, len(r.tasks))
	dependents := make(map[string][]string)
	for name, task := range r.tasks {
		indegree[name] = len(task.DependsOn)
		for _, dep := range task.DependsOn {
			dependents[dep] = append(dependents[dep], name)
		}
	}
	var waves [][]string
	placed := 0
	current := readyTasks(r.order, indegree, nil)
	for len(current) > 0 {
		waves = append(waves, current)
		placed += len(current)
		next := map[string]bool{}
		for _, name := range current {
			indegree[name] = -1
			for _, dependent := range dependents[name] {
				indegree[dependent]--
				if indegree[dependent] == 0 {
					next[dependent] = true
				}
			}
		}
		current = readyTasks(r.order, indegree, next)
	}
	if placed != len(r.tasks) {
		return nil, fmt.Errorf("%w: migration dependencies form a cycle", docset.ErrInvalidArgument)
	}
	return waves, nil
}

// readyTasks selects runnable tasks in registration order for stable
// wave composition.
func readyTasks(order []string, indegree map[string]int, restrict map[string]bool) []string {
	var ready []string
	for _, name := range order {
		if indegree[name] != 0 {
			continue
		}
		if restrict != nil && !restrict[name] {
			continue
		}
		ready = append(ready, name)
	}
	return ready
}

// RunReport summarizes one migration run.
type RunReport struct {
	RunID   string
	Applied []string
	Skipped []string
}

// Run applies every not-yet-applied task, wave by wave. Tasks within a
// wave run concurrently; a failing task aborts the run after its wave
// settles, leaving earlier records in place so a rerun resumes where
// it stopped.
func (r *Runner) Run(ctx context.Context) (*RunReport, error) {
	log := logging.Logger("migration")
	applied, err := r.appliedSet(ctx)
	if err != nil {
		return nil, err
	}
	waves, err := r.waves()
	if err != nil {
		return nil, err
	}
	report := &RunReport{RunID: uuid.NewString()}
	log.Info().Str("run_id", report.RunID).Int("waves", len(waves)).Msg("migration run starting")

	for i, wave := range waves {
		g, waveCtx := errgroup.WithContext(ctx)
		var ran []string
		for _, name := range wave {
			if applied[name] {
				report.Skipped = append(report.Skipped, name)
				continue
			}
			task := r.tasks[name]
			ran = append(ran, name)
			g.Go(func() error {
				log.Info().Str("task", task.Name).Int("wave", i).Msg("applying")
				if err := task.Apply(waveCtx); err != nil {
					return fmt.Errorf("task %q: %w", task.Name, err)
				}
				record := Record{Name: task.Name, RunID: report.RunID, AppliedAt: time.Now().UTC()}
				if _, err := records.Save(waveCtx, &record); err != nil {
					return fmt.Errorf("recording task %q: %w", task.Name, err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return report, err
		}
		report.Applied = append(report.Applied, ran...)
	}
	log.Info().Str("run_id", report.RunID).Int("applied", len(report.Applied)).Msg("migration run finished")
	return report, nil
}

// Status describes one task's applied state.
type Status struct {
	Name      string
	Applied   bool
	AppliedAt time.Time
	RunID     string
}

// Status reports every task's applied state, registration order first,
// applied records resolved from the store.
func (r *Runner) Status(ctx context.Context) ([]Status, error) {
	recs, err := records.Objects().All(ctx)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*Record, len(recs))
	for _, rec := range recs {
		byName[rec.Name] = rec
	}
	out := make([]Status, 0, len(r.order))
	for _, name := range r.order {
		status := Status{Name: name}
		if rec, ok := byName[name]; ok {
			status.Applied = true
			status.AppliedAt = rec.AppliedAt
			status.RunID = rec.RunID
		}
		out = append(out, status)
	}
	return out, nil
}

// Revert undoes one applied task and removes its record. Tasks with
// applied dependents cannot be reverted; revert the dependents first.
func (r *Runner) Revert(ctx context.Context, name string) error {
	log := logging.Logger("migration")
	task, ok := r.tasks[name]
	if !ok {
		return fmt.Errorf("%w: unknown migration task %q", docset.ErrInvalidArgument, name)
	}
	if task.Revert == nil {
		return fmt.Errorf("%w: task %q has no revert step", docset.ErrInvalidArgument, name)
	}
	applied, err := r.appliedSet(ctx)
	if err != nil {
		return err
	}
	if !applied[name] {
		return fmt.Errorf("%w: task %q is not applied", docset.ErrInvalidArgument, name)
	}
	var dependents []string
	for _, other := range r.tasks {
		for _, dep := range other.DependsOn {
			if dep == name && applied[other.Name] {
				dependents = append(dependents, other.Name)
			}
		}
	}
	if len(dependents) > 0 {
		sort.Strings(dependents)
		return fmt.Errorf("%w: task %q has applied dependents %v", docset.ErrInvalidArgument, name, dependents)
	}
	log.Info().Str("task", name).Msg("reverting")
	if err := task.Revert(ctx); err != nil {
		return fmt.Errorf("reverting task %q: %w", name, err)
	}
	_, err = records.Objects().Filter(docset.Kw{"name": name}).Delete(ctx)
	return err
}

// Applied returns every recorded migration, oldest first.
func Applied(ctx context.Context) ([]*Record, error) {
	return records.Objects().OrderBy("applied_at").All(ctx)
}

func (r *Runner) appliedSet(ctx context.Context) (map[string]bool, error) {
	recs, err := records.Objects().All(ctx)
	if err != nil {
		return nil, err
	}
	applied := make(map[string]bool, len(recs))
	for _, rec := range recs {
		applied[rec.Name] = true
	}
	return applied, nil
}
