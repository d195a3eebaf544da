// Package store persists the controller's object graph in an embedded
// bbolt database under the state directory.
//
// Every controller operation runs against its own Conn: a snapshot of the
// object graph loaded at open, mutated freely in memory, and written back
// atomically by Commit. Commits are serialized by bbolt's single writer;
// a commit whose snapshot has been overtaken by another connection fails
// with ErrStale instead of clobbering newer state.
package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/stevedore-sh/stevedore/models"
)

const dbFileName = "stevedore.db"

// CurrentSchemaVersion is the schema this code reads and writes. Older
// databases are migrated forward on Open; newer ones are rejected.
const CurrentSchemaVersion = 1

var (
	bucketMeta        = []byte("meta")
	bucketDeployments = []byte("deployments")

	keySchemaVersion = []byte("schema_version")
	keyAuthKey       = []byte("auth_key")
	keySequence      = []byte("sequence")
)

// ErrStale is returned by Conn.Commit when another connection committed
// after this connection's snapshot was taken. The caller may retry the
// whole operation on a fresh connection.
var ErrStale = errors.New("store: stale commit, state changed since snapshot")

// migration transforms the database from version (index) to (index + 1).
// Applied in order on Open. The schema is fixed at v1; entries are only
// added in front of future versions.
type migration func(tx *bolt.Tx) error

var migrations = []migration{}

// Store owns the bbolt database file.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the database in the given state
// directory and applies any pending schema migrations.
func Open(stateDir string) (*Store, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}

	db, err := bolt.Open(filepath.Join(stateDir, dbFileName), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initialize() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketDeployments); err != nil {
			return err
		}

		version := CurrentSchemaVersion
		if raw := meta.Get(keySchemaVersion); raw != nil {
			version = int(binary.BigEndian.Uint64(raw))
		} else if meta.Get(keySequence) == nil {
			// Fresh database: stamp the current version, nothing to migrate.
			version = CurrentSchemaVersion
		}

		if version > CurrentSchemaVersion {
			return fmt.Errorf("database schema v%d is newer than supported v%d",
				version, CurrentSchemaVersion)
		}
		for v := version; v < CurrentSchemaVersion; v++ {
			if err := migrations[v-1](tx); err != nil {
				return fmt.Errorf("schema migration v%d -> v%d failed: %w", v, v+1, err)
			}
		}

		if err := meta.Put(keySchemaVersion, encodeUint64(CurrentSchemaVersion)); err != nil {
			return err
		}
		if meta.Get(keySequence) == nil {
			return meta.Put(keySequence, encodeUint64(0))
		}
		return nil
	})
}

// Root is the top of the persistent object graph.
type Root struct {
	Deployments map[string]*models.Deployment
	AuthKey     string
}

// Conn is one connection's private snapshot of the object graph. Conns must
// not be shared between goroutines.
type Conn struct {
	store  *Store
	root   *Root
	seq    uint64
	closed bool
}

// Conn loads a fresh snapshot of the object graph.
func (s *Store) Conn() (*Conn, error) {
	root := &Root{Deployments: map[string]*models.Deployment{}}
	var seq uint64

	err := s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		seq = binary.BigEndian.Uint64(meta.Get(keySequence))
		if raw := meta.Get(keyAuthKey); raw != nil {
			root.AuthKey = string(raw)
		}

		return tx.Bucket(bucketDeployments).ForEach(func(k, v []byte) error {
			var dep models.Deployment
			if err := json.Unmarshal(v, &dep); err != nil {
				return fmt.Errorf("failed to decode deployment %q: %w", k, err)
			}
			dep.Rewire()
			root.Deployments[string(k)] = &dep
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return &Conn{store: s, root: root, seq: seq}, nil
}

// Root returns the snapshot's root object.
func (c *Conn) Root() *Root {
	return c.root
}

// Commit writes the snapshot back in a single transaction. Fails with
// ErrStale when another connection has committed in the meantime.
func (c *Conn) Commit() error {
	if c.closed {
		return errors.New("store: commit on closed connection")
	}

	return c.store.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if binary.BigEndian.Uint64(meta.Get(keySequence)) != c.seq {
			return ErrStale
		}

		deps := tx.Bucket(bucketDeployments)
		// Deployments are never deleted by the core, so writing the
		// snapshot's entries covers the whole bucket.
		for id, dep := range c.root.Deployments {
			raw, err := json.Marshal(dep)
			if err != nil {
				return fmt.Errorf("failed to encode deployment %q: %w", id, err)
			}
			if err := deps.Put([]byte(id), raw); err != nil {
				return err
			}
		}

		if err := meta.Put(keyAuthKey, []byte(c.root.AuthKey)); err != nil {
			return err
		}
		c.seq++
		return meta.Put(keySequence, encodeUint64(c.seq))
	})
}

// Abort discards the snapshot. In-memory changes are simply dropped.
func (c *Conn) Abort() {
	c.closed = true
}

// Close releases the connection. Uncommitted changes are discarded.
func (c *Conn) Close() {
	c.closed = true
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}
