package docset

import (
	"testing"

	"github.com/arthur-debert/docset/types"
)

type profile struct {
	Document `bson:",inline"`

	Bio    string `bson:"bio"`
	APIKey string `bson:"api_key" docset:"private"`
}

type account struct {
	Document `bson:",inline"`

	Name     string   `bson:"name"`
	Email    string   `bson:"email"`
	Password string   `bson:"password" docset:"private"`
	Role     string   `bson:"role" docset:"readonly"`
	Session  string   `bson:"-"`
	Profile  profile  `bson:"profile"`
	Aliases  []string `bson:"aliases"`
}

func TestSchemaOf(t *testing.T) {
	schema, err := SchemaOf(&account{})
	if err != nil {
		t.Fatalf("SchemaOf: %v", err)
	}
	if schema.Name != "account" {
		t.Errorf("schema name = %q, want account", schema.Name)
	}

	t.Run("embedded identity field", func(t *testing.T) {
		id, ok := schema.Field("ID")
		if !ok {
			t.Fatal("ID field missing")
		}
		if id.Key != "_id" || !id.Aliased() {
			t.Errorf("ID key = %q, want aliased _id", id.Key)
		}
		if !id.HasMark(types.MarkReadOnly) || !id.Optional {
			t.Error("ID should be read-only and optional")
		}
	})

	t.Run("bson tag aliases", func(t *testing.T) {
		f, ok := schema.Field("APIKey")
		if ok {
			t.Fatal("APIKey belongs to the nested schema, not the root")
		}
		f, ok = schema.Field("Email")
		if !ok || f.Key != "email" {
			t.Fatalf("Email field = %+v", f)
		}
	})

	t.Run("marks from docset tag", func(t *testing.T) {
		pw, _ := schema.Field("Password")
		if !pw.HasMark(types.MarkPrivate) {
			t.Error("Password should be private")
		}
		role, _ := schema.Field("Role")
		if !role.HasMark(types.MarkReadOnly) {
			t.Error("Role should be read-only")
		}
	})

	t.Run("bson dash implies local", func(t *testing.T) {
		sess, _ := schema.Field("Session")
		if !sess.HasMark(types.MarkLocal) {
			t.Error("Session should be storage-local")
		}
	})

	t.Run("nested struct carries a nested schema", func(t *testing.T) {
		prof, _ := schema.Field("Profile")
		if prof.Nested == nil {
			t.Fatal("Profile should carry a nested schema")
		}
		if _, ok := prof.Nested.Field("APIKey"); !ok {
			t.Error("nested schema should declare APIKey")
		}
	})

	t.Run("slices of scalars have no nested schema", func(t *testing.T) {
		aliases, _ := schema.Field("Aliases")
		if aliases.Nested != nil {
			t.Error("Aliases should be a leaf field")
		}
	})

	t.Run("cached per type", func(t *testing.T) {
		again, err := SchemaOf(&account{})
		if err != nil {
			t.Fatalf("SchemaOf: %v", err)
		}
		if again != schema {
			t.Error("repeated SchemaOf should return the cached descriptor")
		}
	})
}

func TestReader(t *testing.T) {
	reader, err := Reader(&account{})
	if err != nil {
		t.Fatalf("Reader: %v", err)
	}
	if reader.Name != "accountReader" {
		t.Errorf("reader name = %q", reader.Name)
	}
	if _, ok := reader.Field("Password"); ok {
		t.Error("private field should be excluded from the reader variant")
	}
	if _, ok := reader.Field("Role"); !ok {
		t.Error("read-only field should survive the reader variant")
	}
	if _, ok := reader.Field("Session"); ok {
		t.Error("local field should never survive derivation")
	}
	prof, ok := reader.Field("Profile")
	if !ok || prof.Nested == nil {
		t.Fatal("nested schema should survive derivation")
	}
	if _, ok := prof.Nested.Field("APIKey"); ok {
		t.Error("nested private field should be excluded recursively")
	}
}

func TestUpdater(t *testing.T) {
	updater, err := Updater(&account{})
	if err != nil {
		t.Fatalf("Updater: %v", err)
	}
	if _, ok := updater.Field("Password"); ok {
		t.Error("private field should be excluded from the updater variant")
	}
	if _, ok := updater.Field("Role"); ok {
		t.Error("read-only field should be excluded from the updater variant")
	}
	if _, ok := updater.Field("ID"); ok {
		t.Error("identity should be excluded from the updater variant")
	}
	name, _ := updater.Field("Name")
	if name.Required || !name.Optional {
		t.Error("updater fields should all be optional")
	}
}

func TestDeriveDeterminism(t *testing.T) {
	base, err := SchemaOf(&account{})
	if err != nil {
		t.Fatalf("SchemaOf: %v", err)
	}
	opts := DeriveOptions{Role: "Reader", ExcludeMarks: []types.Mark{types.MarkPrivate}}
	first := Derive(base, opts)
	second := Derive(base, opts)
	if first != second {
		t.Error("identical derivations should return the same cached schema")
	}
	other := Derive(base, DeriveOptions{Role: "Reader"})
	if other == first {
		t.Error("different options must not share a cache entry")
	}
}

func TestPartial(t *testing.T) {
	partial, err := Partial("accountContact", &account{}, []string{"Name", "Email"}, true)
	if err != nil {
		t.Fatalf("Partial: %v", err)
	}
	if partial.Name != "accountContact" {
		t.Errorf("partial name = %q", partial.Name)
	}
	names := partial.FieldNames()
	if len(names) != 2 {
		t.Fatalf("partial fields = %v, want exactly Name and Email", names)
	}
	for _, f := range partial.Fields {
		if !f.Optional {
			t.Errorf("field %s should be optional", f.Name)
		}
	}

	// The base schema must be untouched by the derivation.
	base, _ := SchemaOf(&account{})
	if _, ok := base.Field("Password"); !ok {
		t.Error("base schema lost a field after derivation")
	}
}

func TestSchemaOfRejectsNonStructs(t *testing.T) {
	if _, err := SchemaOf(42); err == nil {
		t.Error("expected an error for a non-struct model")
	}
	if _, err := SchemaOf(nil); err == nil {
		t.Error("expected an error for nil")
	}
}
