package migration_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/arthur-debert/docset/docset"
	"github.com/arthur-debert/docset/docset/migration"
)

func connectTest(t *testing.T) {
	t.Helper()
	docset.ConnectMemory("migrations_test")
	t.Cleanup(func() { _ = docset.Disconnect(context.Background()) })
}

func noop(context.Context) error { return nil }

func TestNewRunnerValidation(t *testing.T) {
	t.Run("unnamed task", func(t *testing.T) {
		_, err := migration.NewRunner(migration.Task{Apply: noop})
		if !errors.Is(err, docset.ErrInvalidArgument) {
			t.Errorf("error = %v", err)
		}
	})

	t.Run("duplicate names", func(t *testing.T) {
		_, err := migration.NewRunner(
			migration.Task{Name: "a", Apply: noop},
			migration.Task{Name: "a", Apply: noop},
		)
		if !errors.Is(err, docset.ErrInvalidArgument) {
			t.Errorf("error = %v", err)
		}
	})

	t.Run("unknown dependency", func(t *testing.T) {
		_, err := migration.NewRunner(migration.Task{Name: "a", Apply: noop, DependsOn: []string{"ghost"}})
		if !errors.Is(err, docset.ErrInvalidArgument) {
			t.Errorf("error = %v", err)
		}
	})

	t.Run("cycle", func(t *testing.T) {
		_, err := migration.NewRunner(
			migration.Task{Name: "a", Apply: noop, DependsOn: []string{"b"}},
			migration.Task{Name: "b", Apply: noop, DependsOn: []string{"a"}},
		)
		if !errors.Is(err, docset.ErrInvalidArgument) {
			t.Errorf("error = %v", err)
		}
	})

	t.Run("missing apply", func(t *testing.T) {
		_, err := migration.NewRunner(migration.Task{Name: "a"})
		if !errors.Is(err, docset.ErrInvalidArgument) {
			t.Errorf("error = %v", err)
		}
	})
}

func TestRunRespectsDependencies(t *testing.T) {
	connectTest(t)
	ctx := context.Background()

	var mu sync.Mutex
	var order int64
	seen := map[string]int64{}
	step := func(name string) func(context.Context) error {
		return func(context.Context) error {
			tick := atomic.AddInt64(&order, 1)
			mu.Lock()
			seen[name] = tick
			mu.Unlock()
			return nil
		}
	}

	// c depends on both a and b; d depends on c.
	runner, err := migration.NewRunner(
		migration.Task{Name: "a", Apply: step("a")},
		migration.Task{Name: "b", Apply: step("b")},
		migration.Task{Name: "c", Apply: step("c"), DependsOn: []string{"a", "b"}},
		migration.Task{Name: "d", Apply: step("d"), DependsOn: []string{"c"}},
	)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	report, err := runner.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Applied) != 4 || report.RunID == "" {
		t.Fatalf("report = %+v", report)
	}
	if seen["c"] < seen["a"] || seen["c"] < seen["b"] || seen["d"] < seen["c"] {
		t.Errorf("dependency order violated: %v", seen)
	}
}

func TestRunSkipsApplied(t *testing.T) {
	connectTest(t)
	ctx := context.Background()

	calls := 0
	task := migration.Task{Name: "once", Apply: func(context.Context) error {
		calls++
		return nil
	}}
	runner, err := migration.NewRunner(task)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	if _, err := runner.Run(ctx); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	report, err := runner.Run(ctx)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if calls != 1 {
		t.Errorf("apply ran %d times, want 1", calls)
	}
	if len(report.Skipped) != 1 || len(report.Applied) != 0 {
		t.Errorf("report = %+v", report)
	}

	statuses, err := runner.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(statuses) != 1 || !statuses[0].Applied || statuses[0].AppliedAt.IsZero() {
		t.Errorf("statuses = %+v", statuses)
	}
}

func TestFailureStopsLaterWaves(t *testing.T) {
	connectTest(t)
	ctx := context.Background()

	boom := errors.New("boom")
	laterRan := false
	runner, err := migration.NewRunner(
		migration.Task{Name: "bad", Apply: func(context.Context) error { return boom }},
		migration.Task{Name: "after", DependsOn: []string{"bad"}, Apply: func(context.Context) error {
			laterRan = true
			return nil
		}},
	)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	if _, err := runner.Run(ctx); !errors.Is(err, boom) {
		t.Fatalf("Run error = %v, want boom", err)
	}
	if laterRan {
		t.Error("dependent task must not run after its dependency fails")
	}
}

func TestRevert(t *testing.T) {
	connectTest(t)
	ctx := context.Background()

	reverted := false
	runner, err := migration.NewRunner(
		migration.Task{
			Name:   "base",
			Apply:  noop,
			Revert: func(context.Context) error { reverted = true; return nil },
		},
		migration.Task{Name: "child", DependsOn: []string{"base"}, Apply: noop, Revert: noop},
	)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	if _, err := runner.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	t.Run("applied dependents block revert", func(t *testing.T) {
		err := runner.Revert(ctx, "base")
		if !errors.Is(err, docset.ErrInvalidArgument) {
			t.Errorf("error = %v", err)
		}
	})

	t.Run("revert leaf then base", func(t *testing.T) {
		if err := runner.Revert(ctx, "child"); err != nil {
			t.Fatalf("Revert child: %v", err)
		}
		if err := runner.Revert(ctx, "base"); err != nil {
			t.Fatalf("Revert base: %v", err)
		}
		if !reverted {
			t.Error("revert step did not run")
		}
		statuses, _ := runner.Status(ctx)
		for _, s := range statuses {
			if s.Applied {
				t.Errorf("task %s still recorded as applied", s.Name)
			}
		}
	})

	t.Run("unapplied task cannot revert", func(t *testing.T) {
		err := runner.Revert(ctx, "base")
		if !errors.Is(err, docset.ErrInvalidArgument) {
			t.Errorf("error = %v", err)
		}
	})
}

func TestAlterFieldTask(t *testing.T) {
	connectTest(t)
	ctx := context.Background()

	coll, err := docset.Collection("books")
	if err != nil {
		t.Fatalf("Collection: %v", err)
	}
	for _, title := range []string{"one", "two"} {
		if _, err := coll.InsertOne(ctx, bson.M{"name": title}); err != nil {
			t.Fatalf("seeding: %v", err)
		}
	}

	task := migration.AlterField("books", "name", "title")
	runner, err := migration.NewRunner(task)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	if _, err := runner.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	count, _ := coll.CountDocuments(ctx, bson.M{"title": bson.M{"$exists": true}}, 0)
	if count != 2 {
		t.Errorf("renamed %d documents, want 2", count)
	}

	if err := runner.Revert(ctx, task.Name); err != nil {
		t.Fatalf("Revert: %v", err)
	}
	count, _ = coll.CountDocuments(ctx, bson.M{"name": bson.M{"$exists": true}}, 0)
	if count != 2 {
		t.Errorf("reverted %d documents, want 2", count)
	}
}
