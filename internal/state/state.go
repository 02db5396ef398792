// Package state persists the tester configuration in a bbolt database.
// Only the configuration is stored; flow state and tokens never are.
package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/oauth2-tester/internal/flow"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.oauth2-tester/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket        = []byte("oauth2-tester")
	configurationKey = []byte("configuration")
)

// State wraps a bbolt database for the persisted configuration.
type State struct {
	db          *bolt.DB
	keepSecrets bool
}

var _ flow.ConfigStore = (*State)(nil)

// Option customizes a State.
type Option func(*State)

// WithSecrets stores the client secret instead of blanking it.
func WithSecrets() Option {
	return func(s *State) { s.keepSecrets = true }
}

// Load opens the state database inside dir, creating it if it does not
// exist.
func Load(dir string, opts ...Option) (*State, error) {
	return LoadAt(filepath.Join(dir, "state.db"), opts...)
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string, opts ...Option) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(appBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	s := &State{db: db}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// LoadConfiguration returns the saved configuration, or nil if none.
func (s *State) LoadConfiguration() (*flow.Configuration, error) {
	var cfg *flow.Configuration

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(configurationKey)
		if v == nil {
			return nil
		}

		cfg = &flow.Configuration{}

		return json.Unmarshal(v, cfg)
	})
	if err != nil {
		return nil, fmt.Errorf("reading configuration: %w", err)
	}

	return cfg, nil
}

// SaveConfiguration persists cfg. The client secret is blanked unless
// the store was opened WithSecrets.
func (s *State) SaveConfiguration(cfg flow.Configuration) error {
	if !s.keepSecrets {
		cfg.ClientSecret = ""
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling configuration: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(configurationKey, data)
	})
}

// ClearConfiguration removes the saved configuration.
func (s *State) ClearConfiguration() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Delete(configurationKey)
	})
}
