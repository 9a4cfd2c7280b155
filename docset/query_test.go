package docset

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.mongodb.org/mongo-driver/bson"
)

func TestNewQ(t *testing.T) {
	cases := []struct {
		name string
		kw   Kw
		want bson.M
	}{
		{
			"empty", nil, bson.M{},
		},
		{
			"plain literal",
			Kw{"title": "Dune"},
			bson.M{"title": "Dune"},
		},
		{
			"operator token",
			Kw{"pages__gt": 100},
			bson.M{"pages": bson.M{"$gt": 100}},
		},
		{
			"nested path",
			Kw{"author__name": "Herbert"},
			bson.M{"author": bson.M{"name": "Herbert"}},
		},
		{
			"nested path with operator",
			Kw{"author__name__regex": "^H"},
			bson.M{"author": bson.M{"name": bson.M{"$regex": "^H"}}},
		},
		{
			"in list",
			Kw{"level__in": []int{1, 2}},
			bson.M{"level": bson.M{"$in": []int{1, 2}}},
		},
		{
			"two operators on one path union into one clause",
			Kw{"pages__gte": 100, "pages__lte": 500},
			bson.M{"pages": bson.M{"$gte": 100, "$lte": 500}},
		},
		{
			"lone operator token is a field name",
			Kw{"in": 5},
			bson.M{"in": 5},
		},
		{
			"exists",
			Kw{"tags__exists": true},
			bson.M{"tags": bson.M{"$exists": true}},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if diff := cmp.Diff(tc.want, NewQ(tc.kw).Doc()); diff != "" {
				t.Errorf("doc mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNotQ(t *testing.T) {
	t.Run("literal promotes to inverted equality", func(t *testing.T) {
		q, err := NotQ(Kw{"title": "Dune"})
		if err != nil {
			t.Fatalf("NotQ: %v", err)
		}
		want := bson.M{"title": bson.M{"$ne": "Dune"}}
		if diff := cmp.Diff(want, q.Doc()); diff != "" {
			t.Errorf("doc mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("operators swap to their pairs", func(t *testing.T) {
		q, err := NotQ(Kw{"pages__gt": 100, "level__in": []int{1}})
		if err != nil {
			t.Fatalf("NotQ: %v", err)
		}
		want := bson.M{
			"pages": bson.M{"$lte": 100},
			"level": bson.M{"$nin": []int{1}},
		}
		if diff := cmp.Diff(want, q.Doc()); diff != "" {
			t.Errorf("doc mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("exists negates its value", func(t *testing.T) {
		q, err := NotQ(Kw{"tags__exists": true})
		if err != nil {
			t.Fatalf("NotQ: %v", err)
		}
		want := bson.M{"tags": bson.M{"$exists": false}}
		if diff := cmp.Diff(want, q.Doc()); diff != "" {
			t.Errorf("doc mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("regex cannot invert", func(t *testing.T) {
		_, err := NotQ(Kw{"title__regex": "^D"})
		if !errors.Is(err, ErrUnsupportedInversion) {
			t.Fatalf("expected ErrUnsupportedInversion, got %v", err)
		}
		if !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("expected ErrInvalidArgument in the chain, got %v", err)
		}
	})

	t.Run("lone operator token inverts as a field name", func(t *testing.T) {
		q, err := NotQ(Kw{"in": 5})
		if err != nil {
			t.Fatalf("NotQ: %v", err)
		}
		want := bson.M{"in": bson.M{"$ne": 5}}
		if diff := cmp.Diff(want, q.Doc()); diff != "" {
			t.Errorf("doc mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestRawQ(t *testing.T) {
	doc := bson.M{"$or": []bson.M{{"a": 1}, {"b": 2}}}
	q, err := RawQ(doc)
	if err != nil {
		t.Fatalf("RawQ: %v", err)
	}
	if diff := cmp.Diff(doc, q.Doc()); diff != "" {
		t.Errorf("doc mismatch (-want +got):\n%s", diff)
	}
	// The wrapped document is a copy.
	doc["a"] = 99
	if _, ok := q.Doc()["a"]; ok {
		t.Error("RawQ should copy the input document")
	}

	if _, err := RawQ(nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("RawQ(nil) error = %v, want ErrInvalidArgument", err)
	}
}

func TestQAnd(t *testing.T) {
	t.Run("disjoint fields union", func(t *testing.T) {
		got := NewQ(Kw{"a": 1}).And(NewQ(Kw{"b": 2}))
		want := bson.M{"a": 1, "b": 2}
		if diff := cmp.Diff(want, got.Doc()); diff != "" {
			t.Errorf("doc mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("same path clauses union", func(t *testing.T) {
		got := NewQ(Kw{"pages__gte": 100}).And(NewQ(Kw{"pages__lte": 500}))
		want := bson.M{"pages": bson.M{"$gte": 100, "$lte": 500}}
		if diff := cmp.Diff(want, got.Doc()); diff != "" {
			t.Errorf("doc mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("literal target promotes to equality before merging", func(t *testing.T) {
		got := NewQ(Kw{"pages": 300}).And(NewQ(Kw{"pages__lte": 500}))
		want := bson.M{"pages": bson.M{"$eq": 300, "$lte": 500}}
		if diff := cmp.Diff(want, got.Doc()); diff != "" {
			t.Errorf("doc mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("same clause key resolves last-wins", func(t *testing.T) {
		got := NewQ(Kw{"pages__gt": 100}).And(NewQ(Kw{"pages__gt": 200}))
		want := bson.M{"pages": bson.M{"$gt": 200}}
		if diff := cmp.Diff(want, got.Doc()); diff != "" {
			t.Errorf("doc mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("receiver is not mutated", func(t *testing.T) {
		base := NewQ(Kw{"a": 1})
		_ = base.And(NewQ(Kw{"b": 2}))
		if diff := cmp.Diff(bson.M{"a": 1}, base.Doc()); diff != "" {
			t.Errorf("receiver mutated (-want +got):\n%s", diff)
		}
	})
}

func TestQOrAndStrictAnd(t *testing.T) {
	a := NewQ(Kw{"a": 1})
	b := NewQ(Kw{"a": 2})

	or := a.Or(b)
	wantOr := bson.M{"$or": []bson.M{{"a": 1}, {"a": 2}}}
	if diff := cmp.Diff(wantOr, or.Doc()); diff != "" {
		t.Errorf("or mismatch (-want +got):\n%s", diff)
	}

	strict := a.StrictAnd(b)
	wantStrict := bson.M{"$and": []bson.M{{"a": 1}, {"a": 2}}}
	if diff := cmp.Diff(wantStrict, strict.Doc()); diff != "" {
		t.Errorf("strict and mismatch (-want +got):\n%s", diff)
	}
}

func TestQEqualAndEmpty(t *testing.T) {
	if !NewQ(nil).IsEmpty() {
		t.Error("NewQ(nil) should be empty")
	}
	if !NewQ(nil).Equal(Q{}) {
		t.Error("empty expressions should compare equal regardless of representation")
	}
	if !NewQ(Kw{"a": 1}).Equal(NewQ(Kw{"a": 1})) {
		t.Error("identical expressions should compare equal")
	}
	if NewQ(Kw{"a": 1}).Equal(NewQ(Kw{"a": 2})) {
		t.Error("different expressions should not compare equal")
	}
}

func TestQCopyIndependence(t *testing.T) {
	orig := NewQ(Kw{"pages__gt": 100})
	clone := orig.Copy()
	cloneDoc := clone.Doc()
	cloneDoc["pages"] = "tampered"
	if diff := cmp.Diff(bson.M{"pages": bson.M{"$gt": 100}}, orig.Doc()); diff != "" {
		t.Errorf("original mutated through copy (-want +got):\n%s", diff)
	}
}
