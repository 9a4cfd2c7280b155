// Package testutil provides the shared test fixture: a small, fully
// known universe of books and players seeded into an isolated
// in-process store, so tests assert against stable, documented data
// instead of creating their own.
package testutil

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/arthur-debert/docset/docset"
)

// Author is the nested document every book carries.
type Author struct {
	docset.Document `bson:",inline"`

	Name    string `bson:"name"`
	Country string `bson:"country"`
}

// Book exercises the full field surface: aliased keys, a nested
// document, a list, a private field and a storage-local field.
type Book struct {
	docset.Document `bson:",inline"`

	Title  string   `bson:"title"`
	Author Author   `bson:"author"`
	Pages  int64    `bson:"pages"`
	Price  float64  `bson:"price"`
	Tags   []string `bson:"tags"`

	// InternalNote never leaves the reader/updater variants.
	InternalNote string `bson:"internal_note" docset:"private"`

	// Checked is process-local state, never persisted.
	Checked bool `bson:"-"`
}

// Player is the flat numeric entity aggregation tests lean on.
type Player struct {
	docset.Document `bson:",inline"`

	Name  string `bson:"name"`
	Score int64  `bson:"score"`
	Level int64  `bson:"level"`
}

// Books and Players are the fixture's registered managers.
var (
	Books   = docset.MustRegister[Book]()
	Players = docset.MustRegister[Player]()
)

// UniverseData gives typed access to every seeded entity.
//
// Book pages: Hobbit 310, Fellowship 423, TwoTowers 352, ReturnKing
// 416, Dune 412, Emma 474 (total 2387). Player scores: Alice 10, Bob
// 20, Carol 30, Dave 40 (total 100).
type UniverseData struct {
	Database string

	Hobbit     *Book // Tolkien, 310 pages, tags: fantasy
	Fellowship *Book // Tolkien, 423 pages, tags: fantasy, epic
	TwoTowers  *Book // Tolkien, 352 pages, tags: fantasy, epic
	ReturnKing *Book // Tolkien, 416 pages, tags: fantasy, epic
	Dune       *Book // Herbert, 412 pages, tags: scifi
	Emma       *Book // Austen, 474 pages, no tags

	Alice *Player // score 10, level 1
	Bob   *Player // score 20, level 1
	Carol *Player // score 30, level 2
	Dave  *Player // score 40, level 3

	AllBooks   []*Book
	AllPlayers []*Player
}

// LoadUniverse connects the shared client to a fresh, uniquely named
// in-process database, seeds the fixture through the entity layer and
// registers teardown. Every seeded entity has a storage identity on
// return.
func LoadUniverse(t *testing.T) *UniverseData {
	t.Helper()
	ctx := context.Background()

	u := &UniverseData{Database: "test_" + uuid.NewString()[:8]}
	docset.ConnectMemory(u.Database)
	t.Cleanup(func() { _ = docset.Disconnect(context.Background()) })

	u.Hobbit = seedBook(t, ctx, "The Hobbit", "Tolkien", "UK", 310, 9.99, "fantasy")
	u.Fellowship = seedBook(t, ctx, "The Fellowship of the Ring", "Tolkien", "UK", 423, 12.50, "fantasy", "epic")
	u.TwoTowers = seedBook(t, ctx, "The Two Towers", "Tolkien", "UK", 352, 12.50, "fantasy", "epic")
	u.ReturnKing = seedBook(t, ctx, "The Return of the King", "Tolkien", "UK", 416, 12.50, "fantasy", "epic")
	u.Dune = seedBook(t, ctx, "Dune", "Herbert", "US", 412, 10.25, "scifi")
	u.Emma = seedBook(t, ctx, "Emma", "Austen", "UK", 474, 7.80)
	u.AllBooks = []*Book{u.Hobbit, u.Fellowship, u.TwoTowers, u.ReturnKing, u.Dune, u.Emma}

	u.Alice = seedPlayer(t, ctx, "alice", 10, 1)
	u.Bob = seedPlayer(t, ctx, "bob", 20, 1)
	u.Carol = seedPlayer(t, ctx, "carol", 30, 2)
	u.Dave = seedPlayer(t, ctx, "dave", 40, 3)
	u.AllPlayers = []*Player{u.Alice, u.Bob, u.Carol, u.Dave}

	return u
}

func seedBook(t *testing.T, ctx context.Context, title, author, country string, pages int64, price float64, tags ...string) *Book {
	t.Helper()
	book := &Book{
		Title:  title,
		Author: Author{Name: author, Country: country},
		Pages:  pages,
		Price:  price,
		Tags:   tags,
	}
	if _, err := Books.Save(ctx, book); err != nil {
		t.Fatalf("seeding book %q: %v", title, err)
	}
	return book
}

func seedPlayer(t *testing.T, ctx context.Context, name string, score, level int64) *Player {
	t.Helper()
	player := &Player{Name: name, Score: score, Level: level}
	if _, err := Players.Save(ctx, player); err != nil {
		t.Fatalf("seeding player %q: %v", name, err)
	}
	return player
}
