package sealed

import (
	"io"
	"sort"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/mr-shifu/kms-lib/pkg/common/kms"
	"github.com/mr-shifu/kms-lib/pkg/kdf"
	memvault "github.com/mr-shifu/kms-lib/pkg/vault"
)

const stateVersion = 1

type rawSlot struct {
	ID   uint64
	SKI  string
	Gen  uint64
	Blob []byte
}

// rawPublicBody is the non-sensitive partition: the slot table and the
// AEAD-wrapped key blobs. Ciphertexts are public by construction; the
// sensitive material is the master key that opens them.
type rawPublicBody struct {
	Version  uint64
	Capacity uint64
	Slots    []rawSlot // sorted by id
}

type rawPublic struct {
	Body []byte
	Tag  []byte
}

type rawPrivate struct {
	Version uint64
	Master  []byte
	MacKey  []byte
}

func (s *Sealed) PersistPublicState(w io.Writer) error {
	if s.destroyed {
		return kms.ErrDestroyed
	}

	body := rawPublicBody{Version: stateVersion, Capacity: s.capacity}
	ids := make([]uint64, 0, len(s.slots))
	for id := range s.slots {
		ids = append(ids, uint64(id))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		sl := s.slots[kms.KeyID(id)]
		blob, err := s.vault.Get(sl.ski)
		if err != nil {
			return errors.WithMessage(err, "sealed: failed to get wrapped key from vault")
		}
		body.Slots = append(body.Slots, rawSlot{ID: id, SKI: sl.ski, Gen: sl.gen, Blob: blob})
	}

	bb, err := cbor.Marshal(body)
	if err != nil {
		return kms.Wrap(kms.ErrPersistence, err, "sealed: failed to encode public state")
	}
	buf, err := cbor.Marshal(rawPublic{Body: bb, Tag: kdf.Tag(s.macKey, bb)})
	if err != nil {
		return kms.Wrap(kms.ErrPersistence, err, "sealed: failed to encode public state")
	}
	if _, err := w.Write(buf); err != nil {
		return kms.Wrap(kms.ErrPersistence, err, "sealed: failed to write public state")
	}
	return nil
}

func (s *Sealed) PersistPrivateState(w io.Writer) error {
	if s.destroyed {
		return kms.ErrDestroyed
	}

	buf, err := cbor.Marshal(rawPrivate{Version: stateVersion, Master: s.master, MacKey: s.macKey})
	if err != nil {
		return kms.Wrap(kms.ErrPersistence, err, "sealed: failed to encode private state")
	}
	if _, err := w.Write(buf); err != nil {
		return kms.Wrap(kms.ErrPersistence, err, "sealed: failed to write private state")
	}
	return nil
}

// LoadPrivateState stages the master and MAC keys. The store becomes
// usable once LoadPublicState validates against them.
func (s *Sealed) LoadPrivateState(r io.Reader) error {
	if s.destroyed {
		return kms.ErrDestroyed
	}

	buf, err := io.ReadAll(r)
	if err != nil {
		return kms.Wrap(kms.ErrPersistence, err, "sealed: failed to read private state")
	}
	priv := new(rawPrivate)
	if err := cbor.Unmarshal(buf, priv); err != nil {
		return kms.Wrap(kms.ErrDeserialization, err, "sealed: failed to decode private state")
	}
	if priv.Version != stateVersion {
		return kms.Wrap(kms.ErrDeserialization, nil, "sealed: unsupported private state version")
	}
	if len(priv.Master) != chacha20poly1305.KeySize || len(priv.MacKey) != kdf.KeySize {
		return kms.Wrap(kms.ErrDeserialization, nil, "sealed: malformed private key material")
	}

	s.staged = priv
	return nil
}

// LoadPublicState validates the slot table against the staged private
// partition and rebuilds the vault contents.
func (s *Sealed) LoadPublicState(r io.Reader) error {
	if s.destroyed {
		return kms.ErrDestroyed
	}
	if s.staged == nil {
		return kms.Wrap(kms.ErrPrecondition, nil, "sealed: private state must be loaded before public state")
	}

	buf, err := io.ReadAll(r)
	if err != nil {
		return kms.Wrap(kms.ErrPersistence, err, "sealed: failed to read public state")
	}
	pub := new(rawPublic)
	if err := cbor.Unmarshal(buf, pub); err != nil {
		return kms.Wrap(kms.ErrDeserialization, err, "sealed: failed to decode public state")
	}
	if !kdf.VerifyTag(s.staged.MacKey, pub.Body, pub.Tag) {
		return kms.Wrap(kms.ErrIntegrity, nil, "sealed: public state does not authenticate against private state")
	}
	body := new(rawPublicBody)
	if err := cbor.Unmarshal(pub.Body, body); err != nil {
		return kms.Wrap(kms.ErrDeserialization, err, "sealed: failed to decode public state body")
	}
	if body.Version != stateVersion {
		return kms.Wrap(kms.ErrDeserialization, nil, "sealed: unsupported public state version")
	}
	if body.Capacity == 0 || uint64(len(body.Slots)) != body.Capacity {
		return kms.Wrap(kms.ErrIntegrity, nil, "sealed: slot count disagrees with capacity")
	}

	aead, err := chacha20poly1305.New(s.staged.Master)
	if err != nil {
		return kms.Wrap(kms.ErrDeserialization, err, "sealed: failed to build aead")
	}

	v := s.vault
	if v == nil {
		v = memvault.NewInMemoryVault()
	} else {
		v.Wipe()
	}
	slots := make(map[kms.KeyID]*slot, len(body.Slots))
	for _, rs := range body.Slots {
		if rs.ID >= body.Capacity {
			return kms.Wrap(kms.ErrDeserialization, nil, "sealed: slot id outside capacity")
		}
		if _, ok := slots[kms.KeyID(rs.ID)]; ok {
			return kms.Wrap(kms.ErrDeserialization, nil, "sealed: duplicate slot id")
		}
		if err := v.Import(rs.SKI, rs.Blob); err != nil {
			return errors.WithMessage(err, "sealed: failed to import wrapped key to vault")
		}
		slots[kms.KeyID(rs.ID)] = &slot{ski: rs.SKI, gen: rs.Gen}
	}

	s.capacity = body.Capacity
	s.master = s.staged.Master
	s.macKey = s.staged.MacKey
	s.aead = aead
	s.slots = slots
	s.vault = v
	s.staged = nil
	return nil
}
