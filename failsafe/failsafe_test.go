package failsafe

import (
	"errors"
	"testing"

	"github.com/probeum/corevm/errs"
)

type memStore struct {
	data map[string][]byte
}

func newMemStore() *memStore { return &memStore{data: make(map[string][]byte)} }

func (m *memStore) Get(key string) ([]byte, bool, error) {
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memStore) Put(key string, value []byte) error {
	m.data[key] = value
	return nil
}

func (m *memStore) Delete(key string) error {
	delete(m.data, key)
	return nil
}

func TestGateStartsUnlockedWhenNeverEnabled(t *testing.T) {
	g, err := NewGate(newMemStore())
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	if g.Locked() {
		t.Fatalf("gate should start unlocked when never enabled")
	}
	if err := g.Check(); err != nil {
		t.Fatalf("Check: %v", err)
	}
}

func TestEnableLocksAndAuthenticateUnlocks(t *testing.T) {
	g, err := NewGate(newMemStore())
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	if err := g.Enable("hunter2"); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if !g.Locked() {
		t.Fatalf("gate should be locked after Enable")
	}
	if !errors.Is(g.Check(), errs.ErrLocked) {
		t.Fatalf("Check before auth should be ErrLocked")
	}
	if err := g.Authenticate("wrong"); !errors.Is(err, errs.ErrAuthFailed) {
		t.Fatalf("Authenticate(wrong) = %v, want ErrAuthFailed", err)
	}
	if err := g.Authenticate("hunter2"); err != nil {
		t.Fatalf("Authenticate(correct): %v", err)
	}
	if g.Locked() {
		t.Fatalf("gate should be unlocked after correct Authenticate")
	}
}

func TestDisableClearsSecretAndUnlocks(t *testing.T) {
	store := newMemStore()
	g, err := NewGate(store)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	if err := g.Enable("s3cret"); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if err := g.Disable(); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if g.Locked() {
		t.Fatalf("gate should be unlocked after Disable")
	}
	enabled, err := g.Enabled()
	if err != nil {
		t.Fatalf("Enabled: %v", err)
	}
	if enabled {
		t.Fatalf("gate should report disabled after Disable")
	}
}

func TestPersistedStateStartsLocked(t *testing.T) {
	store := newMemStore()
	g1, err := NewGate(store)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	if err := g1.Enable("p4ssw0rd"); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	g2, err := NewGate(store)
	if err != nil {
		t.Fatalf("NewGate (second process): %v", err)
	}
	if !g2.Locked() {
		t.Fatalf("a gate reopened over a previously-enabled store should start locked")
	}
	if err := g2.Authenticate("p4ssw0rd"); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
}
