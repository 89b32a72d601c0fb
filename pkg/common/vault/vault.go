package vault

// Vault stores raw key material addressed by an opaque slot id.
// Implementations must zeroize superseded material on Overwrite, Delete
// and Wipe.
type Vault interface {
	// Import stores key under a fresh slot.
	Import(slot string, key []byte) error

	// Get returns a copy of the material stored under slot.
	Get(slot string) ([]byte, error)

	// Overwrite zeroizes the material stored under slot and replaces it.
	Overwrite(slot string, key []byte) error

	// Delete zeroizes and removes the material stored under slot.
	Delete(slot string) error

	// Wipe zeroizes and removes every slot.
	Wipe()
}
