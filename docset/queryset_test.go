package docset_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/arthur-debert/docset/docset"
	"github.com/arthur-debert/docset/docset/store"
	"github.com/arthur-debert/docset/testutil"
)

func titles(books []*testutil.Book) []string {
	out := make([]string, len(books))
	for i, b := range books {
		out[i] = b.Title
	}
	return out
}

func TestAllAndFilterChains(t *testing.T) {
	testutil.LoadUniverse(t)
	ctx := context.Background()

	all, err := testutil.Books.Objects().All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 6 {
		t.Fatalf("len = %d, want 6", len(all))
	}

	t.Run("filter by nested path", func(t *testing.T) {
		books, err := testutil.Books.Objects().Filter(docset.Kw{"author__name": "Tolkien"}).All(ctx)
		if err != nil {
			t.Fatalf("All: %v", err)
		}
		if len(books) != 4 {
			t.Errorf("tolkien books = %d, want 4", len(books))
		}
	})

	t.Run("chained filters accumulate", func(t *testing.T) {
		books, err := testutil.Books.Objects().
			Filter(docset.Kw{"author__name": "Tolkien"}).
			Filter(docset.Kw{"pages__gt": 400}).
			OrderBy("pages").
			All(ctx)
		if err != nil {
			t.Fatalf("All: %v", err)
		}
		want := []string{"The Return of the King", "The Fellowship of the Ring"}
		if diff := cmp.Diff(want, titles(books)); diff != "" {
			t.Errorf("titles (-want +got):\n%s", diff)
		}
	})

	t.Run("chaining does not mutate the parent", func(t *testing.T) {
		base := testutil.Books.Objects().Filter(docset.Kw{"author__name": "Tolkien"})
		_ = base.Filter(docset.Kw{"pages__gt": 400})
		count, err := base.Count(ctx)
		if err != nil {
			t.Fatalf("Count: %v", err)
		}
		if count != 4 {
			t.Errorf("base count = %d, want 4 (unaffected by child chain)", count)
		}
	})

	t.Run("exclude", func(t *testing.T) {
		books, err := testutil.Books.Objects().Exclude(docset.Kw{"author__name": "Tolkien"}).All(ctx)
		if err != nil {
			t.Fatalf("All: %v", err)
		}
		if len(books) != 2 {
			t.Errorf("non-tolkien books = %d, want 2", len(books))
		}
	})

	t.Run("exclude with regex surfaces at the terminal", func(t *testing.T) {
		broken := testutil.Books.Objects().Exclude(docset.Kw{"title__regex": "^The"})
		if _, err := broken.All(ctx); !errors.Is(err, docset.ErrUnsupportedInversion) {
			t.Errorf("All error = %v, want ErrUnsupportedInversion", err)
		}
		// Every terminal reports the carried builder error, including the
		// collection-level ones.
		if _, err := broken.Indexes(ctx); !errors.Is(err, docset.ErrUnsupportedInversion) {
			t.Errorf("Indexes error = %v, want ErrUnsupportedInversion", err)
		}
		if err := broken.Drop(ctx); !errors.Is(err, docset.ErrUnsupportedInversion) {
			t.Errorf("Drop error = %v, want ErrUnsupportedInversion", err)
		}
	})

	t.Run("tags membership", func(t *testing.T) {
		books, err := testutil.Books.Objects().Filter(docset.Kw{"tags": "epic"}).OrderBy("pages").All(ctx)
		if err != nil {
			t.Fatalf("All: %v", err)
		}
		want := []string{"The Two Towers", "The Return of the King", "The Fellowship of the Ring"}
		if diff := cmp.Diff(want, titles(books)); diff != "" {
			t.Errorf("titles (-want +got):\n%s", diff)
		}
	})
}

func TestGet(t *testing.T) {
	testutil.LoadUniverse(t)
	ctx := context.Background()

	t.Run("exactly one", func(t *testing.T) {
		book, err := testutil.Books.Objects().Get(ctx, docset.Kw{"title": "Dune"})
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if book.Author.Name != "Herbert" {
			t.Errorf("author = %q", book.Author.Name)
		}
	})

	t.Run("zero matches", func(t *testing.T) {
		_, err := testutil.Books.Objects().Get(ctx, docset.Kw{"title": "Nonexistent"})
		if !errors.Is(err, docset.ErrNotFound) {
			t.Fatalf("error = %v, want ErrNotFound", err)
		}
		var nf *docset.NotFoundError
		if !errors.As(err, &nf) || nf.Collection != "books" {
			t.Errorf("NotFoundError detail = %+v", nf)
		}
	})

	t.Run("ambiguous", func(t *testing.T) {
		_, err := testutil.Books.Objects().Get(ctx, docset.Kw{"author__name": "Tolkien"})
		if !errors.Is(err, docset.ErrTooManyMatches) {
			t.Errorf("error = %v, want ErrTooManyMatches", err)
		}
	})
}

func TestFirstCountExists(t *testing.T) {
	testutil.LoadUniverse(t)
	ctx := context.Background()

	first, err := testutil.Books.Objects().OrderBy("-pages").First(ctx)
	if err != nil {
		t.Fatalf("First: %v", err)
	}
	if first.Title != "Emma" {
		t.Errorf("longest book = %q, want Emma", first.Title)
	}

	// First never raises for an empty match set, unlike Get.
	missing, err := testutil.Books.Objects().Filter(docset.Kw{"pages__gt": 10000}).First(ctx)
	if err != nil {
		t.Errorf("First on empty = %v, want no error", err)
	}
	if missing != nil {
		t.Errorf("First on empty = %+v, want nil", missing)
	}

	count, err := testutil.Players.Objects().Filter(docset.Kw{"level": 1}).Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 2 {
		t.Errorf("level-1 players = %d, want 2", count)
	}

	ok, err := testutil.Players.Objects().Filter(docset.Kw{"score__gte": 40}).Exists(ctx)
	if err != nil || !ok {
		t.Errorf("Exists = (%v, %v), want true", ok, err)
	}
	ok, err = testutil.Players.Objects().Filter(docset.Kw{"score__gt": 100}).Exists(ctx)
	if err != nil || ok {
		t.Errorf("Exists = (%v, %v), want false", ok, err)
	}
}

func TestLimitSkipWindow(t *testing.T) {
	testutil.LoadUniverse(t)
	ctx := context.Background()

	window, err := testutil.Players.Objects().OrderBy("score").Skip(1).Limit(2).All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(window) != 2 || window[0].Name != "bob" || window[1].Name != "carol" {
		t.Fatalf("window = %v", window)
	}

	cleared, err := testutil.Players.Objects().Limit(1).ClearLimit().All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(cleared) != 4 {
		t.Errorf("ClearLimit result = %d, want 4", len(cleared))
	}

	t.Run("negative bounds are rejected", func(t *testing.T) {
		if _, err := testutil.Players.Objects().Limit(-1).All(ctx); !errors.Is(err, docset.ErrInvalidArgument) {
			t.Errorf("negative limit = %v, want ErrInvalidArgument", err)
		}
		if _, err := testutil.Players.Objects().Skip(-3).Count(ctx); !errors.Is(err, docset.ErrInvalidArgument) {
			t.Errorf("negative skip = %v, want ErrInvalidArgument", err)
		}
	})
}

func TestAggregations(t *testing.T) {
	testutil.LoadUniverse(t)
	ctx := context.Background()

	total, err := testutil.Players.Objects().Sum(ctx, "score")
	if err != nil {
		t.Fatalf("Sum: %v", err)
	}
	if total != 100 {
		t.Errorf("total = %v, want 100", total)
	}

	t.Run("windowed sum equals subset sum", func(t *testing.T) {
		got, err := testutil.Players.Objects().OrderBy("score").Skip(1).Limit(2).Sum(ctx, "score")
		if err != nil {
			t.Fatalf("Sum: %v", err)
		}
		if got != 50 {
			t.Errorf("windowed sum = %v, want 50 (bob + carol)", got)
		}
	})

	t.Run("filtered sum", func(t *testing.T) {
		got, err := testutil.Players.Objects().Filter(docset.Kw{"level": 1}).Sum(ctx, "score")
		if err != nil {
			t.Fatalf("Sum: %v", err)
		}
		if got != 30 {
			t.Errorf("level-1 sum = %v, want 30", got)
		}
	})

	t.Run("avg", func(t *testing.T) {
		got, err := testutil.Players.Objects().Avg(ctx, "score")
		if err != nil {
			t.Fatalf("Avg: %v", err)
		}
		if got != 25 {
			t.Errorf("avg = %v, want 25", got)
		}
	})

	t.Run("multiple fields", func(t *testing.T) {
		got, err := testutil.Players.Objects().SumFields(ctx, "score", "level")
		if err != nil {
			t.Fatalf("SumFields: %v", err)
		}
		want := map[string]float64{"score": 100, "level": 7}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("sums (-want +got):\n%s", diff)
		}
	})

	t.Run("empty window sums to zero", func(t *testing.T) {
		got, err := testutil.Players.Objects().Filter(docset.Kw{"score__gt": 1000}).Sum(ctx, "score")
		if err != nil {
			t.Fatalf("Sum: %v", err)
		}
		if got != 0 {
			t.Errorf("empty sum = %v, want 0", got)
		}
	})
}

func TestValuesList(t *testing.T) {
	testutil.LoadUniverse(t)
	ctx := context.Background()

	t.Run("flat", func(t *testing.T) {
		values, err := testutil.Players.Objects().OrderBy("score").ValuesList(ctx, docset.ValuesOptions{Flat: true}, "name")
		if err != nil {
			t.Fatalf("ValuesList: %v", err)
		}
		want := []interface{}{"alice", "bob", "carol", "dave"}
		if diff := cmp.Diff(want, values); diff != "" {
			t.Errorf("values (-want +got):\n%s", diff)
		}
	})

	t.Run("flat rejects multiple fields", func(t *testing.T) {
		_, err := testutil.Players.Objects().ValuesList(ctx, docset.ValuesOptions{Flat: true}, "name", "score")
		if !errors.Is(err, docset.ErrInvalidArgument) {
			t.Errorf("error = %v, want ErrInvalidArgument", err)
		}
	})

	t.Run("rows keep ids unless suppressed", func(t *testing.T) {
		rows, err := testutil.Players.Objects().OrderBy("score").Limit(1).ValuesList(ctx, docset.ValuesOptions{}, "name")
		if err != nil {
			t.Fatalf("ValuesList: %v", err)
		}
		row, ok := rows[0].(bson.M)
		if !ok {
			t.Fatalf("row type %T", rows[0])
		}
		if _, hasID := row["_id"]; !hasID {
			t.Error("row should carry _id by default")
		}

		rows, err = testutil.Players.Objects().OrderBy("score").Limit(1).ValuesList(ctx, docset.ValuesOptions{NoID: true}, "name")
		if err != nil {
			t.Fatalf("ValuesList: %v", err)
		}
		row = rows[0].(bson.M)
		if _, hasID := row["_id"]; hasID {
			t.Error("NoID should suppress _id")
		}
	})

	t.Run("nested field path", func(t *testing.T) {
		values, err := testutil.Books.Objects().Filter(docset.Kw{"title": "Dune"}).ValuesList(ctx, docset.ValuesOptions{Flat: true, NoID: true}, "author__name")
		if err != nil {
			t.Fatalf("ValuesList: %v", err)
		}
		if diff := cmp.Diff([]interface{}{"Herbert"}, values); diff != "" {
			t.Errorf("values (-want +got):\n%s", diff)
		}
	})
}

func TestDistinctAndPop(t *testing.T) {
	testutil.LoadUniverse(t)
	ctx := context.Background()

	countries, err := testutil.Books.Objects().Distinct(ctx, "author__country")
	if err != nil {
		t.Fatalf("Distinct: %v", err)
	}
	if len(countries) != 2 {
		t.Errorf("countries = %v, want UK and US", countries)
	}

	popped, err := testutil.Players.Objects().Filter(docset.Kw{"name": "dave"}).Pop(ctx)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if popped.Score != 40 {
		t.Errorf("popped score = %d", popped.Score)
	}
	count, _ := testutil.Players.Objects().Count(ctx)
	if count != 3 {
		t.Errorf("count after pop = %d, want 3", count)
	}
	if _, err := testutil.Players.Objects().Filter(docset.Kw{"name": "dave"}).Pop(ctx); !errors.Is(err, docset.ErrNotFound) {
		t.Errorf("second pop = %v, want ErrNotFound", err)
	}
}

func TestBulkMutations(t *testing.T) {
	testutil.LoadUniverse(t)
	ctx := context.Background()

	modified, err := testutil.Players.Objects().Filter(docset.Kw{"level": 1}).Update(ctx, docset.Kw{"level": int64(2)})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if modified != 2 {
		t.Errorf("modified = %d, want 2", modified)
	}
	count, _ := testutil.Players.Objects().Filter(docset.Kw{"level": 2}).Count(ctx)
	if count != 3 {
		t.Errorf("level-2 players = %d, want 3", count)
	}

	t.Run("zero matches is silent", func(t *testing.T) {
		modified, err := testutil.Players.Objects().Filter(docset.Kw{"name": "nobody"}).Update(ctx, docset.Kw{"level": int64(9)})
		if err != nil || modified != 0 {
			t.Errorf("Update = (%d, %v), want (0, nil)", modified, err)
		}
	})

	t.Run("delete many", func(t *testing.T) {
		deleted, err := testutil.Players.Objects().Filter(docset.Kw{"score__lte": 20}).Delete(ctx)
		if err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if deleted != 2 {
			t.Errorf("deleted = %d, want 2", deleted)
		}
	})

	t.Run("unset and rename", func(t *testing.T) {
		if _, err := testutil.Books.Objects().Unset(ctx, "tags"); err != nil {
			t.Fatalf("Unset: %v", err)
		}
		remaining, _ := testutil.Books.Objects().Filter(docset.Kw{"tags__exists": true}).Count(ctx)
		if remaining != 0 {
			t.Errorf("tags still on %d books", remaining)
		}

		if _, err := testutil.Books.Objects().Rename(ctx, map[string]string{"pages": "page_count"}); err != nil {
			t.Fatalf("Rename: %v", err)
		}
		renamed, _ := testutil.Books.Objects().Filter(docset.Kw{"page_count__exists": true}).Count(ctx)
		if renamed != 6 {
			t.Errorf("renamed on %d books, want 6", renamed)
		}
	})
}

func TestMapStreams(t *testing.T) {
	testutil.LoadUniverse(t)
	ctx := context.Background()

	var seen []string
	err := testutil.Players.Objects().OrderBy("-score").Map(ctx, func(p *testutil.Player) error {
		seen = append(seen, p.Name)
		return nil
	})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	want := []string{"dave", "carol", "bob", "alice"}
	if diff := cmp.Diff(want, seen); diff != "" {
		t.Errorf("order (-want +got):\n%s", diff)
	}

	// A callback error stops the stream.
	boom := errors.New("boom")
	calls := 0
	err = testutil.Players.Objects().Map(ctx, func(*testutil.Player) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) || calls != 1 {
		t.Errorf("Map = %v after %d calls", err, calls)
	}
}

func TestNotConnected(t *testing.T) {
	// No universe loaded: the shared connection is down.
	_ = docset.Disconnect(context.Background())
	_, err := testutil.Books.Objects().All(context.Background())
	if !errors.Is(err, docset.ErrNotConnected) {
		t.Errorf("error = %v, want ErrNotConnected", err)
	}
}

func TestWithClientScopedOverride(t *testing.T) {
	u := testutil.LoadUniverse(t)
	ctx := context.Background()

	other := store.NewMemoryClient()
	err := docset.WithClient(other, "scratch", func() error {
		if _, err := testutil.Books.Save(ctx, &testutil.Book{Title: "Scratch Pad"}); err != nil {
			return err
		}
		count, err := testutil.Books.Objects().Count(ctx)
		if err != nil {
			return err
		}
		if count != 1 {
			t.Errorf("override count = %d, want 1", count)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithClient: %v", err)
	}

	// Back on the fixture database, nothing changed.
	count, err := testutil.Books.Objects().Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != int64(len(u.AllBooks)) {
		t.Errorf("count = %d, want %d after the override ends", count, len(u.AllBooks))
	}
}

func TestQuerySetQueryAndFresh(t *testing.T) {
	qs := testutil.Books.Objects().Filter(docset.Kw{"pages__gt": 100}).Limit(3)
	if qs.Query().IsEmpty() {
		t.Error("accumulated query should not be empty")
	}
	fresh := qs.Fresh()
	if !fresh.Query().IsEmpty() {
		t.Error("Fresh should drop accumulated clauses")
	}
}
