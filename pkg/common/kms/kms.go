package kms

import "io"

// KeyID identifies a logical key slot. The material bound to an id may
// change across updates; the id itself is stable for the lifetime of
// the scheme.
type KeyID uint64

// Key is opaque key material returned by Derive and Update.
//
// A Key must not be retained past the next Update of its id; the type
// system cannot enforce this. See pkg/checked for instrumentation that
// catches violations in tests.
type Key []byte

// Capabilities describes the guarantees a scheme provides, replacing
// marker interfaces with an explicit, queryable descriptor.
type Capabilities struct {
	// Secure: for every id reported by Commit, the key it had before its
	// most recent update cannot be recovered from the scheme's state
	// afterwards, except with negligible probability.
	Secure bool

	// FineGrained: Update affects only the target id's key.
	FineGrained bool

	// CoarseGrained: Update may invalidate keys for other ids sharing
	// structural state with the target.
	CoarseGrained bool

	// Deferred: Update alone does not revoke the prior key; Commit is
	// required. Schemes without this flag revoke synchronously inside
	// Update and implement Commit as a no-op.
	Deferred bool
}

// Scheme is the contract every key management scheme satisfies. A scheme
// owns the mapping from KeyIDs to current key material, supports deferred
// revocation via Commit, and persists its state split into a public
// (non-sensitive) and a private (securely erasable) partition.
//
// The contract is sequential: one logical owner performs operations in
// program order with no concurrent mutation. pkg/guard wraps any Scheme
// for lock-guarded multi-goroutine access.
type Scheme interface {
	// Derive returns the current key for id, deterministically and without
	// mutating any persisted key material. Ids outside the scheme's id
	// space fail with ErrUnknownKeyID.
	Derive(id KeyID) (Key, error)

	// Update rotates the key for id and returns the new material. For
	// deferred schemes the prior key may remain recoverable from the
	// scheme's state until Commit returns.
	Update(id KeyID) (Key, error)

	// Commit finalizes all pending updates and returns the ids whose prior
	// keys are now unrecoverable from the scheme's state. rand is a
	// caller-supplied randomness source; schemes that do not need it
	// ignore it. Committing with nothing pending returns an empty list. An
	// error means the commit did not complete and pending revocations are
	// not yet guaranteed; callers should re-attempt.
	Commit(rand io.Reader) ([]KeyID, error)

	// Compact reduces the internal representation without changing any
	// derivation result. Always safe; a no-op is a valid implementation.
	Compact()

	// Capabilities reports which guarantees this scheme provides.
	Capabilities() Capabilities

	// PersistPublicState writes the non-sensitive partition to w.
	PersistPublicState(w io.Writer) error

	// PersistPrivateState writes the sensitive partition to w. The caller
	// is responsible for securely erasing superseded copies of it.
	PersistPrivateState(w io.Writer) error

	// LoadPublicState reads the non-sensitive partition from r. When the
	// public partition is authenticated against the private one, the
	// private partition must have been loaded first.
	LoadPublicState(r io.Reader) error

	// LoadPrivateState reads the sensitive partition from r.
	LoadPrivateState(r io.Reader) error

	// Destroy zeroizes all private state. Every subsequent operation fails
	// with ErrDestroyed.
	Destroy()
}

// DeriveMany maps Derive over ids in order. The batch is NOT atomic:
// derivation stops at the first failing id and the keys already derived
// are returned alongside the error.
func DeriveMany(s Scheme, ids []KeyID) ([]Key, error) {
	keys := make([]Key, 0, len(ids))
	for _, id := range ids {
		key, err := s.Derive(id)
		if err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// UpdateMany maps Update over ids in order. The batch is NOT atomic: on
// error, ids earlier in the slice stay updated and are not rolled back.
func UpdateMany(s Scheme, ids []KeyID) ([]Key, error) {
	keys := make([]Key, 0, len(ids))
	for _, id := range ids {
		key, err := s.Update(id)
		if err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Persist writes both partitions, private before public, so that a crash
// between the two writes leaves the stored state as either old/old,
// new-private/old-public, or new/new.
func Persist(s Scheme, pub, priv io.Writer) error {
	if err := s.PersistPrivateState(priv); err != nil {
		return err
	}
	return s.PersistPublicState(pub)
}

// Load reads both partitions, private before public, because the public
// partition may only validate against private key material.
func Load(s Scheme, pub, priv io.Reader) error {
	if err := s.LoadPrivateState(priv); err != nil {
		return err
	}
	return s.LoadPublicState(pub)
}
