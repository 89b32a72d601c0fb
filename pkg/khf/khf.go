package khf

import (
	"fmt"
	"io"
	"sort"

	"github.com/pkg/errors"

	"github.com/mr-shifu/kms-lib/pkg/common/kms"
	"github.com/mr-shifu/kms-lib/pkg/kdf"
)

// DefaultFanouts is used when Init leaves Fanouts empty.
var DefaultFanouts = []uint64{4, 4, 4, 4}

// Init carries everything needed to set up a fresh forest.
type Init struct {
	// Seed deterministically keys the initial roots. It is consumed
	// during setup and not retained.
	Seed []byte

	// Fanouts give the arity of each forest level, root to leaf.
	// DefaultFanouts when empty.
	Fanouts []uint64

	// Capacity bounds the id space to [0, Capacity).
	Capacity uint64

	// Rand supplies the first epoch's update seed and the partition MAC
	// key.
	Rand io.Reader
}

type pendingKey struct {
	key []byte
	gen uint64
}

// Khf is a keyed hash forest: an ordered list of disjoint tree roots
// covering the id space, where the key of an id is obtained by hashing
// down from the root covering it. Updates are deferred: Update parks new
// material in a pending set keyed off a per-epoch seed, and the prior key
// stays derivable from the still-present covering root until Commit
// fragments that root into the sibling cover excluding the updated leaf
// and erases it.
type Khf struct {
	geo        geometry
	capacity   uint64
	epoch      uint64
	roots      []node // sorted by span, disjoint, covering [0, capacity)
	pending    map[kms.KeyID]*pendingKey
	updateSeed []byte
	macKey     []byte
	staged     *rawPrivate
	destroyed  bool
}

var _ kms.Scheme = (*Khf)(nil)

// Setup builds a fresh forest from init. Derive is immediately callable
// for every id in [0, Capacity).
func Setup(init Init) (*Khf, error) {
	if init.Capacity == 0 {
		return nil, errors.New("khf: capacity must be nonzero")
	}
	fanouts := init.Fanouts
	if len(fanouts) == 0 {
		fanouts = DefaultFanouts
	}
	for _, f := range fanouts {
		if f < 2 {
			return nil, errors.New("khf: fanouts must be at least 2")
		}
	}
	if len(init.Seed) == 0 {
		return nil, errors.New("khf: setup seed required")
	}
	if init.Rand == nil {
		return nil, errors.New("khf: randomness source required")
	}

	geo := newGeometry(fanouts)
	k := &Khf{
		geo:      geo,
		capacity: init.Capacity,
		pending:  make(map[kms.KeyID]*pendingKey),
	}
	for _, p := range geo.cover(0, init.Capacity) {
		k.roots = append(k.roots, node{pos: p, key: kdf.RootKey(init.Seed, p.Level, p.Index)})
	}

	var err error
	if k.updateSeed, err = readKey(init.Rand); err != nil {
		return nil, err
	}
	if k.macKey, err = readKey(init.Rand); err != nil {
		return nil, err
	}
	return k, nil
}

// SetupConfig builds a forest from a parsed configuration.
func SetupConfig(cfg *kms.Config, seed []byte, rand io.Reader) (*Khf, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return Setup(Init{Seed: seed, Fanouts: cfg.Fanouts, Capacity: cfg.Capacity, Rand: rand})
}

// Load reconstructs a forest from previously persisted partitions,
// private first.
func Load(pub, priv io.Reader) (*Khf, error) {
	k := new(Khf)
	if err := kms.Load(k, pub, priv); err != nil {
		return nil, err
	}
	return k, nil
}

func (k *Khf) Capabilities() kms.Capabilities {
	return kms.Capabilities{Secure: true, FineGrained: true, Deferred: true}
}

// Derive returns the current key for id. Read-only: safe to call
// concurrently with other Derive calls (see pkg/guard).
func (k *Khf) Derive(id kms.KeyID) (kms.Key, error) {
	if k.destroyed {
		return nil, kms.ErrDestroyed
	}
	if uint64(id) >= k.capacity {
		return nil, kms.Wrap(kms.ErrUnknownKeyID, nil, fmt.Sprintf("khf: id %d outside capacity %d", id, k.capacity))
	}
	if p, ok := k.pending[id]; ok {
		out := make([]byte, len(p.key))
		copy(out, p.key)
		return out, nil
	}
	n, ok := k.covering(uint64(id))
	if !ok {
		return nil, kms.Wrap(kms.ErrUnknownKeyID, nil, fmt.Sprintf("khf: no root covers id %d", id))
	}
	return k.geo.leafKey(n, uint64(id)), nil
}

// Update rotates the key for id and returns the new material. The prior
// key remains derivable from the covering root until Commit.
func (k *Khf) Update(id kms.KeyID) (kms.Key, error) {
	if k.destroyed {
		return nil, kms.ErrDestroyed
	}
	if uint64(id) >= k.capacity {
		return nil, kms.Wrap(kms.ErrUnknownKeyID, nil, fmt.Sprintf("khf: id %d outside capacity %d", id, k.capacity))
	}

	gen := uint64(0)
	if p, ok := k.pending[id]; ok {
		gen = p.gen + 1
		kdf.Zero(p.key)
	}
	key := kdf.PendingKey(k.updateSeed, k.epoch, uint64(id), gen)
	k.pending[id] = &pendingKey{key: key, gen: gen}

	out := make([]byte, len(key))
	copy(out, key)
	return out, nil
}

// Commit finalizes every pending update. Each root covering a pending id
// is fragmented into the sibling cover that excludes the updated leaves,
// the updated leaves join the forest carrying their pending keys, and
// the replaced root keys and the old epoch seed are zeroized. The next
// epoch seed is drawn from rand before any mutation, so a failed commit
// leaves the forest unchanged.
func (k *Khf) Commit(rand io.Reader) ([]kms.KeyID, error) {
	if k.destroyed {
		return nil, kms.ErrDestroyed
	}
	if len(k.pending) == 0 {
		return []kms.KeyID{}, nil
	}
	if rand == nil {
		return nil, kms.Wrap(kms.ErrRandomness, nil, "khf: commit requires a randomness source")
	}
	nextSeed, err := readKey(rand)
	if err != nil {
		return nil, err
	}

	ids := make([]uint64, 0, len(k.pending))
	for id := range k.pending {
		ids = append(ids, uint64(id))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	roots := make([]node, 0, len(k.roots)+len(ids))
	for _, n := range k.roots {
		lo, hi := k.geo.span(n.pos)
		sub := within(ids, lo, hi)
		if len(sub) == 0 {
			roots = append(roots, n)
			continue
		}
		roots = append(roots, k.geo.fragment(n, sub)...)
		kdf.Zero(n.key)
	}
	leaf := k.geo.leafLevel()
	for _, id := range ids {
		roots = append(roots, node{pos: pos{Level: leaf, Index: id}, key: k.pending[kms.KeyID(id)].key})
	}
	sortNodes(k.geo, roots)

	k.roots = roots
	kdf.Zero(k.updateSeed)
	k.updateSeed = nextSeed
	k.epoch++
	k.pending = make(map[kms.KeyID]*pendingKey)

	committed := make([]kms.KeyID, len(ids))
	for i, id := range ids {
		committed[i] = kms.KeyID(id)
	}
	return committed, nil
}

// Compact re-canonicalizes the root list and releases slack. Parent keys
// are preimages of their children, so sibling roots cannot be merged
// back upward; derivations are unchanged.
func (k *Khf) Compact() {
	if k.destroyed {
		return
	}
	roots := make([]node, len(k.roots))
	copy(roots, k.roots)
	sortNodes(k.geo, roots)
	k.roots = roots
}

// Destroy zeroizes roots, pending keys, the epoch seed and the MAC key.
func (k *Khf) Destroy() {
	for _, n := range k.roots {
		kdf.Zero(n.key)
	}
	for _, p := range k.pending {
		kdf.Zero(p.key)
	}
	kdf.Zero(k.updateSeed)
	kdf.Zero(k.macKey)
	k.roots = nil
	k.pending = nil
	k.staged = nil
	k.destroyed = true
}

// covering returns the root whose span contains id.
func (k *Khf) covering(id uint64) (node, bool) {
	i := sort.Search(len(k.roots), func(i int) bool {
		_, hi := k.geo.span(k.roots[i].pos)
		return hi > id
	})
	if i == len(k.roots) {
		return node{}, false
	}
	lo, hi := k.geo.span(k.roots[i].pos)
	if id < lo || id >= hi {
		return node{}, false
	}
	return k.roots[i], true
}

func readKey(rand io.Reader) ([]byte, error) {
	key := make([]byte, kdf.KeySize)
	if _, err := io.ReadFull(rand, key); err != nil {
		return nil, kms.Wrap(kms.ErrRandomness, err, "khf: failed to read key material")
	}
	return key, nil
}
