package checked

import (
	"fmt"
	"io"

	"github.com/mr-shifu/kms-lib/pkg/common/kms"
)

// Checked instruments a Scheme for testing builds: keys are handed out
// as scoped handles that stop yielding material once their id has been
// rotated again. This makes the "do not retain a key across an update"
// contract observable, which plain byte slices cannot.
type Checked struct {
	s    kms.Scheme
	gens map[kms.KeyID]uint64
}

func New(s kms.Scheme) *Checked {
	return &Checked{
		s:    s,
		gens: make(map[kms.KeyID]uint64),
	}
}

// Derive returns a handle scoped to id's current generation.
func (c *Checked) Derive(id kms.KeyID) (*Handle, error) {
	key, err := c.s.Derive(id)
	if err != nil {
		return nil, err
	}
	return &Handle{c: c, id: id, gen: c.gens[id], key: key}, nil
}

// Update rotates id and invalidates every handle issued for it so far.
func (c *Checked) Update(id kms.KeyID) (*Handle, error) {
	key, err := c.s.Update(id)
	if err != nil {
		return nil, err
	}
	c.gens[id]++
	return &Handle{c: c, id: id, gen: c.gens[id], key: key}, nil
}

func (c *Checked) Commit(rand io.Reader) ([]kms.KeyID, error) {
	return c.s.Commit(rand)
}

// Scheme returns the wrapped scheme for operations that need no
// instrumentation.
func (c *Checked) Scheme() kms.Scheme {
	return c.s
}

// Handle is key material scoped to the generation of its id at issue
// time.
type Handle struct {
	c   *Checked
	id  kms.KeyID
	gen uint64
	key kms.Key
}

// Bytes returns the key material, or ErrPrecondition if the id has been
// updated since the handle was issued.
func (h *Handle) Bytes() (kms.Key, error) {
	if h.c.gens[h.id] != h.gen {
		return nil, kms.Wrap(kms.ErrPrecondition, nil, fmt.Sprintf("checked: key for id %d retained across an update", h.id))
	}
	return h.key, nil
}
