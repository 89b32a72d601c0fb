package vault

import (
	"errors"
	"sync"

	"github.com/mr-shifu/kms-lib/pkg/common/vault"
)

var (
	ErrSlotNotFound = errors.New("vault: slot not found")
	ErrSlotExists   = errors.New("vault: slot already exists")
)

// InMemoryVault keeps key material in process memory and zeroizes
// superseded buffers. Zeroization is best effort: copies made by the
// runtime or handed out before an overwrite are out of reach.
type InMemoryVault struct {
	lock  sync.RWMutex
	slots map[string][]byte
}

var _ vault.Vault = (*InMemoryVault)(nil)

func NewInMemoryVault() *InMemoryVault {
	return &InMemoryVault{
		slots: make(map[string][]byte),
	}
}

func (v *InMemoryVault) Import(slot string, key []byte) error {
	v.lock.Lock()
	defer v.lock.Unlock()

	if _, ok := v.slots[slot]; ok {
		return ErrSlotExists
	}

	v.slots[slot] = clone(key)
	return nil
}

func (v *InMemoryVault) Get(slot string) ([]byte, error) {
	v.lock.RLock()
	defer v.lock.RUnlock()

	key, ok := v.slots[slot]
	if !ok {
		return nil, ErrSlotNotFound
	}
	return clone(key), nil
}

func (v *InMemoryVault) Overwrite(slot string, key []byte) error {
	v.lock.Lock()
	defer v.lock.Unlock()

	old, ok := v.slots[slot]
	if !ok {
		return ErrSlotNotFound
	}

	zero(old)
	v.slots[slot] = clone(key)
	return nil
}

func (v *InMemoryVault) Delete(slot string) error {
	v.lock.Lock()
	defer v.lock.Unlock()

	old, ok := v.slots[slot]
	if !ok {
		return ErrSlotNotFound
	}

	zero(old)
	delete(v.slots, slot)
	return nil
}

func (v *InMemoryVault) Wipe() {
	v.lock.Lock()
	defer v.lock.Unlock()

	for slot, key := range v.slots {
		zero(key)
		delete(v.slots, slot)
	}
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
