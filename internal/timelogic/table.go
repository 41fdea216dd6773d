package timelogic

import (
	"sort"
	"time"

	"github.com/liquidlogic/ecconet-matrix/internal/token"
)

// Entry is one token-table row: the latest value/flags for a (address, key)
// pair the equation file references, plus the bookkeeping the output-option
// handlers need (last state-change timestamp, an optional lambda-mapped
// local key).
type Entry struct {
	Token          token.Token
	Timestamp      time.Time
	MappedLocalKey uint16
}

// Table is the equation file's token table: every TokenKey occurrence,
// deduplicated by (address, key) and sorted for binary search.
type Table struct {
	entries            []*Entry
	hasBroadcastTokens bool
}

func lessEntry(a, b *Entry) bool {
	if a.Token.Address != b.Token.Address {
		return a.Token.Address < b.Token.Address
	}
	return a.Token.Key < b.Token.Key
}

// find returns the entry matching (address, key) exactly, or nil.
func (t *Table) find(address uint8, key uint16) *Entry {
	i := sort.Search(len(t.entries), func(i int) bool {
		e := t.entries[i]
		if e.Token.Address != address {
			return e.Token.Address >= address
		}
		return e.Token.Key >= key
	})
	if i < len(t.entries) && t.entries[i].Token.Address == address && t.entries[i].Token.Key == key {
		return t.entries[i]
	}
	return nil
}

// lookupOrAdd returns the existing entry for (address, key), creating and
// inserting one (unsorted, appended) if none exists yet. Used only during
// table population, where the final sort happens once at the end.
func (t *Table) lookupOrAdd(address uint8, key uint16) *Entry {
	for _, e := range t.entries {
		if e.Token.Address == address && e.Token.Key == key {
			return e
		}
	}
	e := &Entry{Token: token.Token{Address: address, Key: key}}
	t.entries = append(t.entries, e)
	return e
}

func (t *Table) sort() {
	sort.Slice(t.entries, func(i, j int) bool { return lessEntry(t.entries[i], t.entries[j]) })
}

// Tokens returns every table entry's current token, in the table's sort
// order. The status beacon feeds this straight into codec.Compress, which
// only requires non-decreasing keys; that holds here because every
// FlagShouldBroadcast entry is one of this node's own equation outputs, so
// they all share the same address and the (address, key) table order
// collapses to key order within that group.
func (t *Table) Tokens() []token.Token {
	out := make([]token.Token, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.Token
	}
	return out
}

// populate scans bytecode (the full file, already past the magic key and
// any constants block) and builds the token table from every TokenKey
// occurrence, flagging equation-output/broadcast/lambda-mapped entries.
func (t *Table) populate(bytecode []byte) {
	t.entries = nil
	t.hasBroadcastTokens = false

	var prevKey uint16
	havePrev := false

	i := 0
	for i < len(bytecode) {
		switch bytecode[i] {
		case EquationStart, PriorityEquationStart, SuccessiveEquationStart:
			havePrev = false
			i++

		case ConstantValueCode:
			i += 5 // opcode + 4-byte value

		case TokenKeyCode:
			start := i
			key, addr, next := readTokenRef(bytecode, i)

			var mappedKey uint16
			hasMapped := false
			if start >= 1 && bytecode[start-1] == Lambda && havePrev &&
				token.IsLocal(prevKey) && !token.IsLocal(key) {
				mappedKey = prevKey
				hasMapped = true
			}

			entry := t.lookupOrAdd(addr, key)

			if next < len(bytecode) && bytecode[next] == EquationEnd {
				entry.Token.Flags |= token.FlagIsEquationOutput
				if !token.IsLocal(entry.Token.Key) &&
					(token.IsInputStatus(entry.Token.Key) || token.IsOutputStatus(entry.Token.Key)) {
					entry.Token.Flags |= token.FlagShouldBroadcast
					t.hasBroadcastTokens = true
				}
				if hasMapped {
					entry.MappedLocalKey = mappedKey
				}
			}

			prevKey = key
			havePrev = true
			i = next

		default:
			i++
		}
	}

	t.sort()
}

// readTokenRef decodes a TokenKey[+TokenAddress] reference starting at the
// TokenKeyCode byte, returning the key, address (0 if none given), and the
// index of the byte following the reference.
func readTokenRef(bytecode []byte, i int) (key uint16, address uint8, next int) {
	key = uint16(bytecode[i+1])<<8 | uint16(bytecode[i+2])
	next = i + 3
	if next < len(bytecode) && bytecode[next] == TokenAddressCode && next+1 < len(bytecode) {
		address = bytecode[next+1]
		next += 2
	}
	return key, address, next
}

// tokenFromBytecode decodes a TokenKey[+TokenAddress] reference and looks
// it up in the table, returning the matching entry (or nil) and the index
// of the byte following the reference.
func (t *Table) tokenFromBytecode(bytecode []byte, i int) (*Entry, int) {
	key, addr, next := readTokenRef(bytecode, i)
	return t.find(addr, key), next
}
