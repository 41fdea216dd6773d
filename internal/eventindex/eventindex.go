// Package eventindex implements the Matrix event index: an 8-bit
// wrap-aware counter bumped on events to give the bus a loose
// network-wide happens-before ordering. Zero is reserved to mean
// "unknown"; it is never observed as a current value.
package eventindex

// Index is a process-owned event index counter. Not safe for concurrent
// use; the Coordinator owns one per node and drives it from Clock().
type Index struct {
	current uint8
}

// Get returns the current index, bumping 0 to 1 first (0 is never current).
func (i *Index) Get() uint8 {
	if i.current == 0 {
		i.current = 1
	}
	return i.current
}

// Next advances the index by one, skipping over the reserved zero value
// on wrap.
func (i *Index) Next() uint8 {
	i.current++
	if i.current == 0 {
		i.current = 1
	}
	return i.current
}

// Observe folds in a remote index value. remote==0 is ignored (unknown).
// If the local index is still unknown (0) or remote is strictly newer in
// the wrap-aware signed sense, local adopts remote. This never rolls
// local backward for an older remote value.
func (i *Index) Observe(remote uint8) {
	if remote == 0 {
		return
	}
	delta := int8(remote - i.current)
	if i.current == 0 || delta > 0 {
		i.current = remote
	}
}

// IsExpired reports whether remote is strictly older than the local index
// in the wrap-aware signed sense, i.e. a message carrying it should be
// treated as stale. remote==0 is never expired (unknown values pass through).
func (i *Index) IsExpired(remote uint8) bool {
	if remote == 0 {
		return false
	}
	return int8(remote-i.current) < 0
}

// Reset clears the index back to unknown.
func (i *Index) Reset() { i.current = 0 }
