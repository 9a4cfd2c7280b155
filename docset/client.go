package docset

import (
	"context"
	"fmt"
	"sync"

	"github.com/arthur-debert/docset/docset/store"
	"github.com/arthur-debert/docset/internal/logging"
)

// connection is the process-wide binding every manager resolves its
// database through unless explicitly overridden.
type connection struct {
	client   store.Client
	database store.Database
}

var (
	connMu sync.RWMutex
	conn   *connection

	clientLog = logging.Logger("client")
)

// Connect establishes the shared connection against a live deployment
// at uri and selects the working database. It replaces any previous
// connection without disconnecting it; call Disconnect first when
// switching deployments.
func Connect(ctx context.Context, uri, database string) error {
	client, err := store.DialMongo(ctx, uri)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", uri, err)
	}
	bind(client, database)
	clientLog.Info().Str("database", database).Msg("connected")
	return nil
}

// ConnectMemory binds the shared connection to a fresh in-process
// engine. Intended for tests and ephemeral tooling.
func ConnectMemory(database string) {
	bind(store.NewMemoryClient(), database)
	clientLog.Debug().Str("database", database).Msg("connected to memory store")
}

// ConnectFile binds the shared connection to the JSON-file engine
// persisted at path.
func ConnectFile(path, database string) error {
	client, err := store.OpenFile(path)
	if err != nil {
		return err
	}
	bind(client, database)
	clientLog.Info().Str("path", path).Str("database", database).Msg("connected to file store")
	return nil
}

func bind(client store.Client, database string) {
	connMu.Lock()
	defer connMu.Unlock()
	conn = &connection{client: client, database: client.Database(database)}
}

// Disconnect tears down the shared connection. Calling it while
// disconnected is a no-op.
func Disconnect(ctx context.Context) error {
	connMu.Lock()
	current := conn
	conn = nil
	connMu.Unlock()
	if current == nil {
		return nil
	}
	return current.client.Disconnect(ctx)
}

// WithClient runs fn with the shared connection swapped to the given
// client and database, restoring the previous binding afterwards even
// when fn fails. Managers resolve their database lazily per operation,
// so everything inside fn executes against the override.
func WithClient(client store.Client, database string, fn func() error) error {
	connMu.Lock()
	previous := conn
	conn = &connection{client: client, database: client.Database(database)}
	connMu.Unlock()
	defer func() {
		connMu.Lock()
		conn = previous
		connMu.Unlock()
	}()
	return fn()
}

// StartSession opens a session on the shared client for use with
// QuerySet.WithSession. Engines without transactions hand back a no-op
// session.
func StartSession() (store.Session, error) {
	connMu.RLock()
	current := conn
	connMu.RUnlock()
	if current == nil {
		return nil, ErrNotConnected
	}
	type sessionStarter interface {
		StartSession() (store.Session, error)
	}
	starter, ok := current.client.(sessionStarter)
	if !ok {
		return nil, fmt.Errorf("%w: client does not support sessions", ErrInvalidArgument)
	}
	return starter.StartSession()
}

// Collection hands out a raw collection handle on the shared
// connection's working database, for callers (migrations, tooling)
// operating below the entity layer.
func Collection(name string) (store.Collection, error) {
	db, err := currentDatabase()
	if err != nil {
		return nil, err
	}
	return db.Collection(name), nil
}

// currentDatabase resolves the database active at call time.
func currentDatabase() (store.Database, error) {
	connMu.RLock()
	defer connMu.RUnlock()
	if conn == nil {
		return nil, ErrNotConnected
	}
	return conn.database, nil
}
