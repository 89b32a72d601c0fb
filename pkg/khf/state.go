package khf

import (
	"io"
	"sort"

	"github.com/fxamacker/cbor/v2"

	"github.com/mr-shifu/kms-lib/pkg/common/kms"
	"github.com/mr-shifu/kms-lib/pkg/kdf"
)

const stateVersion = 1

type rawPos struct {
	Level uint64
	Index uint64
}

type rawPending struct {
	ID  uint64
	Gen uint64
}

// rawPublicBody is the non-sensitive partition: forest shape, epoch and
// the pending id set. It carries no key material.
type rawPublicBody struct {
	Version  uint64
	Fanouts  []uint64
	Capacity uint64
	Epoch    uint64
	Roots    []rawPos
	Pending  []rawPending // sorted by id
}

// rawPublic authenticates the encoded body with a tag keyed from the
// private partition's MAC key, which is what ties the two partitions
// together at load time.
type rawPublic struct {
	Body []byte
	Tag  []byte
}

// rawPrivate is the sensitive partition: every key the forest holds, in
// the order the public partition lists their positions.
type rawPrivate struct {
	Version     uint64
	MacKey      []byte
	UpdateSeed  []byte
	RootKeys    [][]byte
	PendingKeys [][]byte
}

func (k *Khf) PersistPublicState(w io.Writer) error {
	if k.destroyed {
		return kms.ErrDestroyed
	}

	body := rawPublicBody{
		Version:  stateVersion,
		Fanouts:  k.geo.fanouts,
		Capacity: k.capacity,
		Epoch:    k.epoch,
	}
	for _, n := range k.roots {
		body.Roots = append(body.Roots, rawPos{Level: n.pos.Level, Index: n.pos.Index})
	}
	for _, id := range k.pendingOrder() {
		body.Pending = append(body.Pending, rawPending{ID: id, Gen: k.pending[kms.KeyID(id)].gen})
	}

	bb, err := cbor.Marshal(body)
	if err != nil {
		return kms.Wrap(kms.ErrPersistence, err, "khf: failed to encode public state")
	}
	buf, err := cbor.Marshal(rawPublic{Body: bb, Tag: kdf.Tag(k.macKey, bb)})
	if err != nil {
		return kms.Wrap(kms.ErrPersistence, err, "khf: failed to encode public state")
	}
	if _, err := w.Write(buf); err != nil {
		return kms.Wrap(kms.ErrPersistence, err, "khf: failed to write public state")
	}
	return nil
}

func (k *Khf) PersistPrivateState(w io.Writer) error {
	if k.destroyed {
		return kms.ErrDestroyed
	}

	priv := rawPrivate{
		Version:    stateVersion,
		MacKey:     k.macKey,
		UpdateSeed: k.updateSeed,
	}
	for _, n := range k.roots {
		priv.RootKeys = append(priv.RootKeys, n.key)
	}
	for _, id := range k.pendingOrder() {
		priv.PendingKeys = append(priv.PendingKeys, k.pending[kms.KeyID(id)].key)
	}

	buf, err := cbor.Marshal(priv)
	if err != nil {
		return kms.Wrap(kms.ErrPersistence, err, "khf: failed to encode private state")
	}
	if _, err := w.Write(buf); err != nil {
		return kms.Wrap(kms.ErrPersistence, err, "khf: failed to write private state")
	}
	return nil
}

// LoadPrivateState stages the sensitive partition. The forest becomes
// usable once LoadPublicState validates the matching public partition
// against it.
func (k *Khf) LoadPrivateState(r io.Reader) error {
	if k.destroyed {
		return kms.ErrDestroyed
	}

	buf, err := io.ReadAll(r)
	if err != nil {
		return kms.Wrap(kms.ErrPersistence, err, "khf: failed to read private state")
	}
	priv := new(rawPrivate)
	if err := cbor.Unmarshal(buf, priv); err != nil {
		return kms.Wrap(kms.ErrDeserialization, err, "khf: failed to decode private state")
	}
	if priv.Version != stateVersion {
		return kms.Wrap(kms.ErrDeserialization, nil, "khf: unsupported private state version")
	}
	if len(priv.MacKey) != kdf.KeySize || len(priv.UpdateSeed) != kdf.KeySize {
		return kms.Wrap(kms.ErrDeserialization, nil, "khf: malformed private key material")
	}
	for _, key := range priv.RootKeys {
		if len(key) != kdf.KeySize {
			return kms.Wrap(kms.ErrDeserialization, nil, "khf: malformed root key")
		}
	}
	for _, key := range priv.PendingKeys {
		if len(key) != kdf.KeySize {
			return kms.Wrap(kms.ErrDeserialization, nil, "khf: malformed pending key")
		}
	}

	k.staged = priv
	return nil
}

// LoadPublicState validates the non-sensitive partition against the
// previously staged private partition and assembles the forest.
func (k *Khf) LoadPublicState(r io.Reader) error {
	if k.destroyed {
		return kms.ErrDestroyed
	}
	if k.staged == nil {
		return kms.Wrap(kms.ErrPrecondition, nil, "khf: private state must be loaded before public state")
	}

	buf, err := io.ReadAll(r)
	if err != nil {
		return kms.Wrap(kms.ErrPersistence, err, "khf: failed to read public state")
	}
	pub := new(rawPublic)
	if err := cbor.Unmarshal(buf, pub); err != nil {
		return kms.Wrap(kms.ErrDeserialization, err, "khf: failed to decode public state")
	}
	if !kdf.VerifyTag(k.staged.MacKey, pub.Body, pub.Tag) {
		return kms.Wrap(kms.ErrIntegrity, nil, "khf: public state does not authenticate against private state")
	}
	body := new(rawPublicBody)
	if err := cbor.Unmarshal(pub.Body, body); err != nil {
		return kms.Wrap(kms.ErrDeserialization, err, "khf: failed to decode public state body")
	}

	if body.Version != stateVersion {
		return kms.Wrap(kms.ErrDeserialization, nil, "khf: unsupported public state version")
	}
	if body.Capacity == 0 || len(body.Fanouts) == 0 {
		return kms.Wrap(kms.ErrDeserialization, nil, "khf: malformed forest parameters")
	}
	for _, f := range body.Fanouts {
		if f < 2 {
			return kms.Wrap(kms.ErrDeserialization, nil, "khf: malformed forest parameters")
		}
	}
	if len(body.Roots) != len(k.staged.RootKeys) {
		return kms.Wrap(kms.ErrIntegrity, nil, "khf: root count disagrees between partitions")
	}
	if len(body.Pending) != len(k.staged.PendingKeys) {
		return kms.Wrap(kms.ErrIntegrity, nil, "khf: pending count disagrees between partitions")
	}

	geo := newGeometry(body.Fanouts)

	// The roots must tile [0, capacity) exactly, in order.
	cursor := uint64(0)
	roots := make([]node, 0, len(body.Roots))
	for i, rp := range body.Roots {
		if rp.Level > geo.leafLevel() {
			return kms.Wrap(kms.ErrDeserialization, nil, "khf: root level out of range")
		}
		lo, hi := geo.span(pos{Level: rp.Level, Index: rp.Index})
		if lo != cursor {
			return kms.Wrap(kms.ErrDeserialization, nil, "khf: roots do not tile the id space")
		}
		cursor = hi
		roots = append(roots, node{pos: pos{Level: rp.Level, Index: rp.Index}, key: k.staged.RootKeys[i]})
	}
	if cursor != body.Capacity {
		return kms.Wrap(kms.ErrDeserialization, nil, "khf: roots do not cover the id space")
	}

	pending := make(map[kms.KeyID]*pendingKey, len(body.Pending))
	for i, rp := range body.Pending {
		if rp.ID >= body.Capacity {
			return kms.Wrap(kms.ErrDeserialization, nil, "khf: pending id outside capacity")
		}
		pending[kms.KeyID(rp.ID)] = &pendingKey{key: k.staged.PendingKeys[i], gen: rp.Gen}
	}

	k.geo = geo
	k.capacity = body.Capacity
	k.epoch = body.Epoch
	k.roots = roots
	k.pending = pending
	k.updateSeed = k.staged.UpdateSeed
	k.macKey = k.staged.MacKey
	k.staged = nil
	return nil
}

func (k *Khf) pendingOrder() []uint64 {
	ids := make([]uint64, 0, len(k.pending))
	for id := range k.pending {
		ids = append(ids, uint64(id))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
