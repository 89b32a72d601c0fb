package kdf

import (
	"crypto/subtle"
	"encoding/binary"
	"fmt"

	"github.com/zeebo/blake3"
)

// KeySize is the size of every key, seed and tag, in bytes.
const KeySize = 32

// Domain strings keep the derivation trees for roots, children, pending
// keys and partition tags disjoint, so material from one role can never
// collide with another.
const (
	domainRoot    = "KMS-ROOT"
	domainChild   = "KMS-CHILD"
	domainPending = "KMS-PENDING"
	domainTag     = "KMS-TAG"
)

// RootKey derives the initial key of the node at (level, index) from a
// setup seed. The seed is not meant to be retained by the caller.
func RootKey(seed []byte, level, index uint64) []byte {
	return keyed(seed, domainRoot, level, index)
}

// ChildKey derives the key of the child node at (level, index) from its
// parent's key. The chain is one way: a child key reveals nothing about
// its parent or its siblings.
func ChildKey(parent []byte, level, index uint64) []byte {
	return keyed(parent, domainChild, level, index)
}

// PendingKey expands a per-epoch update seed into fresh key material for
// id. gen distinguishes repeated updates of the same id within an epoch.
func PendingKey(seed []byte, epoch, id, gen uint64) []byte {
	return keyed(seed, domainPending, epoch, id, gen)
}

// Tag authenticates body under macKey.
func Tag(macKey, body []byte) []byte {
	h := newKeyed(macKey)
	_, _ = h.WriteString(domainTag)
	_, _ = h.Write(body)
	return h.Sum(nil)
}

// VerifyTag reports whether tag authenticates body under macKey, in
// constant time.
func VerifyTag(macKey, body, tag []byte) bool {
	want := Tag(macKey, body)
	return subtle.ConstantTimeCompare(want, tag) == 1
}

// Zero wipes b in place. Best effort: copies made by the runtime or the
// caller are out of reach.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func keyed(key []byte, domain string, fields ...uint64) []byte {
	h := newKeyed(key)
	_, _ = h.WriteString(domain)
	var buf [8]byte
	for _, f := range fields {
		binary.BigEndian.PutUint64(buf[:], f)
		_, _ = h.Write(buf[:])
	}
	return h.Sum(nil)
}

func newKeyed(key []byte) *blake3.Hasher {
	if len(key) != KeySize {
		sum := blake3.Sum256(key)
		key = sum[:]
	}
	h, err := blake3.NewKeyed(key)
	if err != nil {
		panic(fmt.Sprintf("kdf: keyed hasher: %v", err))
	}
	return h
}
