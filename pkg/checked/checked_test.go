package checked

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mr-shifu/kms-lib/pkg/common/kms"
	"github.com/mr-shifu/kms-lib/pkg/khf"
)

func newChecked(t *testing.T) *Checked {
	t.Helper()
	k, err := khf.Setup(khf.Init{
		Seed:     []byte("checked test seed"),
		Capacity: 8,
		Rand:     rand.Reader,
	})
	require.NoError(t, err)
	return New(k)
}

func TestHandleValidWhileCurrent(t *testing.T) {
	c := newChecked(t)

	h, err := c.Derive(3)
	require.NoError(t, err)

	key, err := h.Bytes()
	require.NoError(t, err)
	assert.NotEmpty(t, key)

	// Repeated reads of a current handle keep working.
	again, err := h.Bytes()
	require.NoError(t, err)
	assert.Equal(t, key, again)
}

func TestHandleStaleAfterUpdate(t *testing.T) {
	c := newChecked(t)

	old, err := c.Derive(3)
	require.NoError(t, err)

	fresh, err := c.Update(3)
	require.NoError(t, err)

	_, err = old.Bytes()
	assert.ErrorIs(t, err, kms.ErrPrecondition, "a key retained across an update is a contract violation")

	key, err := fresh.Bytes()
	require.NoError(t, err)
	assert.NotEmpty(t, key)
}

func TestHandlesPerIDIndependent(t *testing.T) {
	c := newChecked(t)

	h2, err := c.Derive(2)
	require.NoError(t, err)

	_, err = c.Update(5)
	require.NoError(t, err)

	_, err = h2.Bytes()
	assert.NoError(t, err, "updating one id must not invalidate handles for others")
}

func TestCommitPassthrough(t *testing.T) {
	c := newChecked(t)

	_, err := c.Update(1)
	require.NoError(t, err)

	committed, err := c.Commit(rand.Reader)
	require.NoError(t, err)
	assert.Equal(t, []kms.KeyID{1}, committed)
}
