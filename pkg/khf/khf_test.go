package khf

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mr-shifu/kms-lib/pkg/common/kms"
)

func newTestKhf(t *testing.T, capacity uint64) *Khf {
	t.Helper()
	k, err := Setup(Init{
		Seed:     []byte("test seed"),
		Fanouts:  []uint64{2, 2, 2},
		Capacity: capacity,
		Rand:     rand.Reader,
	})
	require.NoError(t, err)
	return k
}

func persistBoth(t *testing.T, k *Khf) (pub, priv []byte) {
	t.Helper()
	var pubBuf, privBuf bytes.Buffer
	require.NoError(t, kms.Persist(k, &pubBuf, &privBuf))
	return pubBuf.Bytes(), privBuf.Bytes()
}

func TestSetupValidation(t *testing.T) {
	_, err := Setup(Init{Seed: []byte("s"), Capacity: 0, Rand: rand.Reader})
	assert.Error(t, err)

	_, err = Setup(Init{Seed: nil, Capacity: 8, Rand: rand.Reader})
	assert.Error(t, err)

	_, err = Setup(Init{Seed: []byte("s"), Capacity: 8, Fanouts: []uint64{1}, Rand: rand.Reader})
	assert.Error(t, err)

	_, err = Setup(Init{Seed: []byte("s"), Capacity: 8, Rand: nil})
	assert.Error(t, err)
}

func TestSetupConfig(t *testing.T) {
	cfg := &kms.Config{Capacity: 12, Fanouts: []uint64{4, 4}}

	k, err := SetupConfig(cfg, []byte("seed"), rand.Reader)
	require.NoError(t, err)

	_, err = k.Derive(11)
	assert.NoError(t, err)
	_, err = k.Derive(12)
	assert.ErrorIs(t, err, kms.ErrUnknownKeyID)
}

func TestDeriveStability(t *testing.T) {
	k := newTestKhf(t, 8)

	for id := kms.KeyID(0); id < 8; id++ {
		first, err := k.Derive(id)
		require.NoError(t, err)
		again, err := k.Derive(id)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestDeriveDistinctPerID(t *testing.T) {
	k := newTestKhf(t, 8)

	a, err := k.Derive(0)
	require.NoError(t, err)
	b, err := k.Derive(1)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDeriveUnknownID(t *testing.T) {
	k := newTestKhf(t, 8)

	_, err := k.Derive(8)
	assert.ErrorIs(t, err, kms.ErrUnknownKeyID)
	_, err = k.Update(100)
	assert.ErrorIs(t, err, kms.ErrUnknownKeyID)
}

func TestUpdateVisibility(t *testing.T) {
	k := newTestKhf(t, 8)

	k1, err := k.Derive(3)
	require.NoError(t, err)

	k2, err := k.Update(3)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)

	got, err := k.Derive(3)
	require.NoError(t, err)
	assert.Equal(t, k2, got)
}

func TestRepeatedUpdateProducesFreshKeys(t *testing.T) {
	k := newTestKhf(t, 8)

	first, err := k.Update(3)
	require.NoError(t, err)
	second, err := k.Update(3)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	got, err := k.Derive(3)
	require.NoError(t, err)
	assert.Equal(t, second, got)
}

func TestCommitReturnsUpdatedIDsSorted(t *testing.T) {
	k := newTestKhf(t, 8)

	for _, id := range []kms.KeyID{5, 1, 3} {
		_, err := k.Update(id)
		require.NoError(t, err)
	}

	committed, err := k.Commit(rand.Reader)
	require.NoError(t, err)
	assert.Equal(t, []kms.KeyID{1, 3, 5}, committed)
}

func TestEmptyCommitIdempotent(t *testing.T) {
	k := newTestKhf(t, 8)

	committed, err := k.Commit(rand.Reader)
	require.NoError(t, err)
	assert.Empty(t, committed)

	// A second empty commit needs no randomness at all.
	committed, err = k.Commit(nil)
	require.NoError(t, err)
	assert.Empty(t, committed)
}

func TestCommitKeepsOtherKeys(t *testing.T) {
	k := newTestKhf(t, 16)

	before := make(map[kms.KeyID]kms.Key)
	for id := kms.KeyID(0); id < 16; id++ {
		key, err := k.Derive(id)
		require.NoError(t, err)
		before[id] = key
	}

	updated, err := k.Update(6)
	require.NoError(t, err)
	_, err = k.Commit(rand.Reader)
	require.NoError(t, err)

	for id := kms.KeyID(0); id < 16; id++ {
		got, err := k.Derive(id)
		require.NoError(t, err)
		if id == 6 {
			assert.Equal(t, updated, got)
			assert.NotEqual(t, before[id], got)
		} else {
			assert.Equal(t, before[id], got, "non-updated ids keep their keys across commit")
		}
	}
}

func TestCompactionTransparency(t *testing.T) {
	k := newTestKhf(t, 16)

	_, err := k.Update(2)
	require.NoError(t, err)
	_, err = k.Commit(rand.Reader)
	require.NoError(t, err)

	before := make([]kms.Key, 16)
	for id := kms.KeyID(0); id < 16; id++ {
		before[id], err = k.Derive(id)
		require.NoError(t, err)
	}

	k.Compact()

	for id := kms.KeyID(0); id < 16; id++ {
		got, err := k.Derive(id)
		require.NoError(t, err)
		assert.Equal(t, before[id], got)
	}
}

func TestPersistRoundTrip(t *testing.T) {
	k := newTestKhf(t, 16)

	pending, err := k.Update(4)
	require.NoError(t, err)

	keys := make([]kms.Key, 16)
	for id := kms.KeyID(0); id < 16; id++ {
		keys[id], err = k.Derive(id)
		require.NoError(t, err)
	}

	pub, priv := persistBoth(t, k)

	loaded, err := Load(bytes.NewReader(pub), bytes.NewReader(priv))
	require.NoError(t, err)

	for id := kms.KeyID(0); id < 16; id++ {
		got, err := loaded.Derive(id)
		require.NoError(t, err)
		assert.Equal(t, keys[id], got)
	}

	// The pending revocation set survives the round trip.
	got, err := loaded.Derive(4)
	require.NoError(t, err)
	assert.Equal(t, pending, got)

	committed, err := loaded.Commit(rand.Reader)
	require.NoError(t, err)
	assert.Equal(t, []kms.KeyID{4}, committed)
}

func TestDeferredNonRevocation(t *testing.T) {
	k := newTestKhf(t, 8)

	old, err := k.Derive(2)
	require.NoError(t, err)

	// Pre-update snapshot: the deferred contract means a copy of the
	// manager's state taken before commit still reproduces the old key.
	pub, priv := persistBoth(t, k)

	_, err = k.Update(2)
	require.NoError(t, err)
	_, err = k.Commit(rand.Reader)
	require.NoError(t, err)

	snapshot, err := Load(bytes.NewReader(pub), bytes.NewReader(priv))
	require.NoError(t, err)
	got, err := snapshot.Derive(2)
	require.NoError(t, err)
	assert.Equal(t, old, got, "a pre-commit snapshot still derives the old key")
}

func TestCommitRevocation(t *testing.T) {
	k := newTestKhf(t, 8)

	old, err := k.Derive(2)
	require.NoError(t, err)
	updated, err := k.Update(2)
	require.NoError(t, err)

	committed, err := k.Commit(rand.Reader)
	require.NoError(t, err)
	require.Equal(t, []kms.KeyID{2}, committed)

	// Post-commit state, persisted and reloaded, yields only the new key.
	pub, priv := persistBoth(t, k)
	loaded, err := Load(bytes.NewReader(pub), bytes.NewReader(priv))
	require.NoError(t, err)

	got, err := loaded.Derive(2)
	require.NoError(t, err)
	assert.Equal(t, updated, got)
	assert.NotEqual(t, old, got)
}

func TestScenario(t *testing.T) {
	// Create with ids {1,2,3}; derive(1)=K1; update(1)=K1'; derive(1)=K1';
	// commit returns [1]; persist then reload; derive(1) after reload = K1'.
	k := newTestKhf(t, 4)

	key1, err := k.Derive(1)
	require.NoError(t, err)

	key1p, err := k.Update(1)
	require.NoError(t, err)
	assert.NotEqual(t, key1, key1p)

	got, err := k.Derive(1)
	require.NoError(t, err)
	assert.Equal(t, key1p, got)

	committed, err := k.Commit(rand.Reader)
	require.NoError(t, err)
	assert.Equal(t, []kms.KeyID{1}, committed)

	pub, priv := persistBoth(t, k)
	loaded, err := Load(bytes.NewReader(pub), bytes.NewReader(priv))
	require.NoError(t, err)

	got, err = loaded.Derive(1)
	require.NoError(t, err)
	assert.Equal(t, key1p, got)
}

func TestLoadPublicBeforePrivateFails(t *testing.T) {
	k := newTestKhf(t, 8)
	pub, _ := persistBoth(t, k)

	fresh := new(Khf)
	err := fresh.LoadPublicState(bytes.NewReader(pub))
	assert.ErrorIs(t, err, kms.ErrPrecondition)
}

func TestLoadCorruptPrivate(t *testing.T) {
	fresh := new(Khf)
	err := fresh.LoadPrivateState(bytes.NewReader([]byte("not cbor at all")))
	assert.ErrorIs(t, err, kms.ErrDeserialization)
}

func TestLoadTamperedPublic(t *testing.T) {
	k := newTestKhf(t, 8)
	pub, priv := persistBoth(t, k)

	envelope := new(rawPublic)
	require.NoError(t, cbor.Unmarshal(pub, envelope))
	envelope.Body[0] ^= 0x01
	tampered, err := cbor.Marshal(envelope)
	require.NoError(t, err)

	_, err = Load(bytes.NewReader(tampered), bytes.NewReader(priv))
	assert.ErrorIs(t, err, kms.ErrIntegrity)
}

func TestLoadMismatchedPartitions(t *testing.T) {
	a := newTestKhf(t, 8)
	b := newTestKhf(t, 8)

	pubA, _ := persistBoth(t, a)
	_, privB := persistBoth(t, b)

	_, err := Load(bytes.NewReader(pubA), bytes.NewReader(privB))
	assert.ErrorIs(t, err, kms.ErrIntegrity)
}

func TestCommitRandomnessFailureLeavesStateIntact(t *testing.T) {
	k := newTestKhf(t, 8)

	pending, err := k.Update(5)
	require.NoError(t, err)

	_, err = k.Commit(failingReader{})
	assert.ErrorIs(t, err, kms.ErrRandomness)

	// The pending update is still there and a retry succeeds.
	got, err := k.Derive(5)
	require.NoError(t, err)
	assert.Equal(t, pending, got)

	committed, err := k.Commit(rand.Reader)
	require.NoError(t, err)
	assert.Equal(t, []kms.KeyID{5}, committed)
}

func TestCapabilities(t *testing.T) {
	k := newTestKhf(t, 8)

	caps := k.Capabilities()
	assert.True(t, caps.Secure)
	assert.True(t, caps.FineGrained)
	assert.False(t, caps.CoarseGrained)
	assert.True(t, caps.Deferred)
}

func TestDestroy(t *testing.T) {
	k := newTestKhf(t, 8)
	k.Destroy()

	_, err := k.Derive(0)
	assert.ErrorIs(t, err, kms.ErrDestroyed)
	_, err = k.Update(0)
	assert.ErrorIs(t, err, kms.ErrDestroyed)
	_, err = k.Commit(rand.Reader)
	assert.ErrorIs(t, err, kms.ErrDestroyed)
	assert.ErrorIs(t, k.PersistPublicState(&bytes.Buffer{}), kms.ErrDestroyed)
	assert.ErrorIs(t, k.PersistPrivateState(&bytes.Buffer{}), kms.ErrDestroyed)
}

func TestDeriveMany(t *testing.T) {
	k := newTestKhf(t, 8)

	keys, err := kms.DeriveMany(k, []kms.KeyID{0, 3, 7})
	require.NoError(t, err)
	require.Len(t, keys, 3)

	single, err := k.Derive(3)
	require.NoError(t, err)
	assert.Equal(t, single, keys[1])
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("entropy exhausted")
}
