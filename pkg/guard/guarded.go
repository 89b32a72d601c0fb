package guard

import (
	"io"
	"sync"

	"github.com/mr-shifu/kms-lib/pkg/common/kms"
)

// Guarded serializes access to a Scheme for multi-goroutine use: Derive
// and the persist operations share a read lock, every mutating operation
// takes the write lock. The wrapped scheme's Derive must not mutate
// internal state, which holds for khf and sealed.
type Guarded struct {
	mu sync.RWMutex
	s  kms.Scheme
}

var _ kms.Scheme = (*Guarded)(nil)

func New(s kms.Scheme) *Guarded {
	return &Guarded{s: s}
}

func (g *Guarded) Derive(id kms.KeyID) (kms.Key, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.s.Derive(id)
}

func (g *Guarded) Update(id kms.KeyID) (kms.Key, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.s.Update(id)
}

func (g *Guarded) Commit(rand io.Reader) ([]kms.KeyID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.s.Commit(rand)
}

func (g *Guarded) Compact() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.s.Compact()
}

func (g *Guarded) Capabilities() kms.Capabilities {
	return g.s.Capabilities()
}

func (g *Guarded) PersistPublicState(w io.Writer) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.s.PersistPublicState(w)
}

func (g *Guarded) PersistPrivateState(w io.Writer) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.s.PersistPrivateState(w)
}

func (g *Guarded) LoadPublicState(r io.Reader) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.s.LoadPublicState(r)
}

func (g *Guarded) LoadPrivateState(r io.Reader) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.s.LoadPrivateState(r)
}

func (g *Guarded) Destroy() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.s.Destroy()
}
