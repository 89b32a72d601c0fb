package sealed

import (
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/mr-shifu/kms-lib/pkg/common/kms"
	"github.com/mr-shifu/kms-lib/pkg/common/vault"
	"github.com/mr-shifu/kms-lib/pkg/kdf"
	memvault "github.com/mr-shifu/kms-lib/pkg/vault"
)

// Init carries everything needed to set up a fresh sealed store.
type Init struct {
	// Capacity bounds the id space to [0, Capacity).
	Capacity uint64

	// Rand seeds the master and MAC keys and every per-id key. The store
	// retains it for rotations, so the manager owns its randomness in
	// this mode.
	Rand io.Reader

	// Vault holds the wrapped per-id keys. In-memory when nil.
	Vault vault.Vault
}

type slot struct {
	ski string
	gen uint64
}

// Sealed stores one independently random key per id, wrapped with an
// AEAD under a master key and kept in a vault addressed by per-id slot
// handles. Updates are synchronous: the superseded ciphertext is
// zeroized inside Update, so Commit is a no-op and the Deferred
// capability is absent.
//
// The revocation claim covers the manager's own state. Stale persisted
// copies of the public partition still hold superseded ciphertexts; the
// caller must erase those along with superseded private partitions.
type Sealed struct {
	capacity  uint64
	master    []byte
	macKey    []byte
	aead      cipher.AEAD
	rand      io.Reader
	slots     map[kms.KeyID]*slot
	vault     vault.Vault
	staged    *rawPrivate
	destroyed bool
}

var _ kms.Scheme = (*Sealed)(nil)

// Setup builds a fresh store with Capacity independently random keys.
func Setup(init Init) (*Sealed, error) {
	if init.Capacity == 0 {
		return nil, errors.New("sealed: capacity must be nonzero")
	}
	if init.Rand == nil {
		return nil, errors.New("sealed: randomness source required")
	}
	v := init.Vault
	if v == nil {
		v = memvault.NewInMemoryVault()
	}

	master, err := readBytes(init.Rand, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	macKey, err := readBytes(init.Rand, kdf.KeySize)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(master)
	if err != nil {
		return nil, errors.WithMessage(err, "sealed: failed to build aead")
	}

	s := &Sealed{
		capacity: init.Capacity,
		master:   master,
		macKey:   macKey,
		aead:     aead,
		rand:     init.Rand,
		slots:    make(map[kms.KeyID]*slot, init.Capacity),
		vault:    v,
	}
	for id := uint64(0); id < init.Capacity; id++ {
		key, err := readBytes(init.Rand, kdf.KeySize)
		if err != nil {
			return nil, err
		}
		blob, err := s.wrap(kms.KeyID(id), key)
		kdf.Zero(key)
		if err != nil {
			return nil, err
		}
		ski := uuid.NewString()
		if err := v.Import(ski, blob); err != nil {
			return nil, errors.WithMessage(err, "sealed: failed to import key to vault")
		}
		s.slots[kms.KeyID(id)] = &slot{ski: ski}
	}
	return s, nil
}

// Load reconstructs a store from previously persisted partitions,
// private first. rand replaces the randomness source for subsequent
// rotations.
func Load(pub, priv io.Reader, rand io.Reader) (*Sealed, error) {
	s := &Sealed{rand: rand}
	if err := kms.Load(s, pub, priv); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sealed) Capabilities() kms.Capabilities {
	return kms.Capabilities{Secure: true, FineGrained: true, Deferred: false}
}

func (s *Sealed) Derive(id kms.KeyID) (kms.Key, error) {
	if s.destroyed {
		return nil, kms.ErrDestroyed
	}
	sl, ok := s.slots[id]
	if !ok {
		return nil, kms.Wrap(kms.ErrUnknownKeyID, nil, fmt.Sprintf("sealed: id %d outside capacity %d", id, s.capacity))
	}
	blob, err := s.vault.Get(sl.ski)
	if err != nil {
		return nil, errors.WithMessage(err, "sealed: failed to get wrapped key from vault")
	}
	key, err := s.unwrap(id, blob)
	if err != nil {
		return nil, err
	}
	return key, nil
}

// Update rotates id to a fresh random key. The superseded ciphertext is
// zeroized in the vault before Update returns; no commit is needed.
func (s *Sealed) Update(id kms.KeyID) (kms.Key, error) {
	if s.destroyed {
		return nil, kms.ErrDestroyed
	}
	sl, ok := s.slots[id]
	if !ok {
		return nil, kms.Wrap(kms.ErrUnknownKeyID, nil, fmt.Sprintf("sealed: id %d outside capacity %d", id, s.capacity))
	}
	key, err := readBytes(s.rand, kdf.KeySize)
	if err != nil {
		return nil, err
	}
	blob, err := s.wrap(id, key)
	if err != nil {
		kdf.Zero(key)
		return nil, err
	}
	if err := s.vault.Overwrite(sl.ski, blob); err != nil {
		kdf.Zero(key)
		return nil, errors.WithMessage(err, "sealed: failed to overwrite wrapped key")
	}
	sl.gen++
	return key, nil
}

// Commit is a no-op: revocation happens synchronously inside Update.
func (s *Sealed) Commit(io.Reader) ([]kms.KeyID, error) {
	if s.destroyed {
		return nil, kms.ErrDestroyed
	}
	return []kms.KeyID{}, nil
}

// Compact is a no-op: the slot table and vault are already minimal.
func (s *Sealed) Compact() {}

// Destroy wipes the vault and zeroizes the master and MAC keys.
func (s *Sealed) Destroy() {
	if s.vault != nil {
		s.vault.Wipe()
	}
	kdf.Zero(s.master)
	kdf.Zero(s.macKey)
	s.slots = nil
	s.aead = nil
	s.staged = nil
	s.destroyed = true
}

func (s *Sealed) wrap(id kms.KeyID, key []byte) ([]byte, error) {
	nonce, err := readBytes(s.rand, chacha20poly1305.NonceSize)
	if err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, key, aad(id)), nil
}

func (s *Sealed) unwrap(id kms.KeyID, blob []byte) ([]byte, error) {
	if len(blob) < chacha20poly1305.NonceSize {
		return nil, kms.Wrap(kms.ErrIntegrity, nil, "sealed: wrapped key too short")
	}
	nonce, ct := blob[:chacha20poly1305.NonceSize], blob[chacha20poly1305.NonceSize:]
	key, err := s.aead.Open(nil, nonce, ct, aad(id))
	if err != nil {
		return nil, kms.Wrap(kms.ErrIntegrity, err, "sealed: failed to open wrapped key")
	}
	return key, nil
}

func aad(id kms.KeyID) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(id))
	return buf[:]
}

func readBytes(rand io.Reader, n int) ([]byte, error) {
	if rand == nil {
		return nil, kms.Wrap(kms.ErrRandomness, nil, "sealed: randomness source required")
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand, buf); err != nil {
		return nil, kms.Wrap(kms.ErrRandomness, err, "sealed: failed to read random bytes")
	}
	return buf, nil
}
