// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The ProbeChain is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the ProbeChain. If not, see <http://www.gnu.org/licenses/>.

// Package failsafe implements spec.md §4.9's enable/authenticate/disable
// gate: a runtime can be locked so that execute() refuses to run until an
// embedder supplies the passphrase that was set when the gate was enabled.
//
//   - golang.org/x/crypto/argon2 (argon2id) derives the stored hash from the
//     passphrase, the same KDF family the teacher's accounts/keystore uses
//     for its own passphrase-protected key material — a per-install random
//     salt means two runtimes enabled with the same passphrase never share
//     a stored hash.
//   - github.com/syndtr/goleveldb persists exactly two keys (salt, hash)
//     under a small on-disk database, mirroring the teacher's own
//     probedb/leveldb storage backend for durable key-value state.
package failsafe

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"

	"github.com/syndtr/goleveldb/leveldb"
	"golang.org/x/crypto/argon2"

	"github.com/probeum/corevm/errs"
)

const (
	saltSize   = 16
	hashTime   = 1
	hashMemory = 64 * 1024 // KiB
	hashThread = 4
	hashLen    = 32

	saltKey = "failsafe.salt"
	hashKey = "failsafe.hash"
)

// Store persists the two pieces of state the gate needs across process
// restarts: the random salt and the derived passphrase hash.
type Store interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte) error
	Delete(key string) error
}

// FileStore is a Store backed by a small goleveldb database.
type FileStore struct {
	db *leveldb.DB
}

// OpenFileStore opens (creating if necessary) a FileStore at path.
func OpenFileStore(path string) (*FileStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &FileStore{db: db}, nil
}

func (s *FileStore) Get(key string) ([]byte, bool, error) {
	v, err := s.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *FileStore) Put(key string, value []byte) error {
	return s.db.Put([]byte(key), value, nil)
}

func (s *FileStore) Delete(key string) error {
	return s.db.Delete([]byte(key), nil)
}

// Close releases the underlying database handle.
func (s *FileStore) Close() error { return s.db.Close() }

// Gate is the runtime's fail-safe lock: Enable sets a passphrase and locks
// execution; Authenticate unlocks it for the remainder of the process (or
// until Disable/Enable is called again); Disable clears the stored secret
// and unlocks unconditionally.
type Gate struct {
	store    Store
	unlocked bool
}

// NewGate builds a Gate over store. If store already holds a persisted
// salt/hash pair (from a prior process), the gate starts locked; otherwise
// it starts unlocked (fail-safe has never been enabled).
func NewGate(store Store) (*Gate, error) {
	_, ok, err := store.Get(saltKey)
	if err != nil {
		return nil, err
	}
	return &Gate{store: store, unlocked: !ok}, nil
}

// Enabled reports whether a passphrase has been set.
func (g *Gate) Enabled() (bool, error) {
	_, ok, err := g.store.Get(saltKey)
	return ok, err
}

// Locked reports whether the gate is currently blocking execution.
func (g *Gate) Locked() bool { return !g.unlocked }

// Enable sets passphrase as the gate's secret and locks the gate. Calling
// Enable again (e.g. to change the passphrase) requires first
// Authenticate-ing with the old one.
func (g *Gate) Enable(passphrase string) error {
	if enabled, err := g.Enabled(); err != nil {
		return err
	} else if enabled && g.Locked() {
		return errs.ErrLocked
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	hash := deriveHash(passphrase, salt)
	if err := g.store.Put(saltKey, salt); err != nil {
		return err
	}
	if err := g.store.Put(hashKey, hash); err != nil {
		return err
	}
	g.unlocked = false
	return nil
}

// Authenticate unlocks the gate if passphrase matches the stored hash.
func (g *Gate) Authenticate(passphrase string) error {
	salt, ok, err := g.store.Get(saltKey)
	if err != nil {
		return err
	}
	if !ok {
		g.unlocked = true
		return nil
	}
	want, ok, err := g.store.Get(hashKey)
	if err != nil {
		return err
	}
	if !ok {
		return errs.ErrAuthFailed
	}
	got := deriveHash(passphrase, salt)
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return errs.ErrAuthFailed
	}
	g.unlocked = true
	return nil
}

// Disable clears the stored secret and unlocks the gate unconditionally;
// an embedder that has lost the passphrase cannot authenticate, only
// disable and re-enable with a new one. Callers gate access to Disable
// behind their own authorization, if any is needed.
func (g *Gate) Disable() error {
	if err := g.store.Delete(saltKey); err != nil {
		return err
	}
	if err := g.store.Delete(hashKey); err != nil {
		return err
	}
	g.unlocked = true
	return nil
}

// Check returns errs.ErrLocked if the gate is currently blocking execution,
// for the runtime facade to call before every execute().
func (g *Gate) Check() error {
	if g.Locked() {
		return errs.ErrLocked
	}
	return nil
}

func deriveHash(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, hashTime, hashMemory, hashThread, hashLen)
}
