// Package table implements the open-addressed, linear-probing hash table
// described in spec.md §4.4. One implementation backs globals, class method
// tables, instance field tables, map literals, module export tables, and
// the VM's string-interning pool — the only thing that varies between those
// uses is the value type, so Table is generic over it while staying keyed
// on the same Key contract (an interned string's bytes and FNV-1a hash).
//
// Tombstones (a freed slot that must not stop probing) let Delete coexist
// with linear probing without a full rehash on every removal; capacity
// doubles whenever the load factor would exceed 75%.
package table

// Key is satisfied by anything the table can hash-probe on: an interned
// string's raw bytes and its precomputed FNV-1a hash. pkg/value's
// *ObjStringT implements this without pkg/table importing pkg/value, which
// avoids a value<->table import cycle while still sharing one table
// implementation across every keyed structure in the object model.
type Key interface {
	TableBytes() []byte
	TableHash() uint32
}

const maxLoad = 0.75

type entry[V any] struct {
	key   Key // nil key + tombstone=true marks a deleted slot; nil key + tombstone=false marks empty
	value V
	used  bool
	tomb  bool
}

// Table is an open-addressed hash table from Key to V.
type Table[V any] struct {
	count   int // live entries + tombstones
	entries []entry[V]
}

// New returns an empty table. Capacity is allocated lazily on first Set,
// matching the teacher's lazily-grown collections.
func New[V any]() *Table[V] {
	return &Table[V]{}
}

func (t *Table[V]) Len() int {
	return t.count - t.tombCount()
}

func (t *Table[V]) tombCount() int {
	n := 0
	for _, e := range t.entries {
		if e.tomb {
			n++
		}
	}
	return n
}

// Get looks up key, returning its value and whether it was present.
func (t *Table[V]) Get(key Key) (V, bool) {
	var zero V
	if len(t.entries) == 0 {
		return zero, false
	}
	idx, found := t.find(key)
	if !found {
		return zero, false
	}
	return t.entries[idx].value, true
}

// Set inserts or overwrites key's value. Returns true if key is new.
func (t *Table[V]) Set(key Key, v V) bool {
	if float64(t.count+1) > float64(len(t.entries))*maxLoad {
		t.grow()
	}
	idx := t.findSlot(key)
	isNew := !t.entries[idx].used || t.entries[idx].tomb
	if isNew && !t.entries[idx].tomb {
		t.count++
	}
	t.entries[idx] = entry[V]{key: key, value: v, used: true}
	return isNew
}

// Delete removes key, leaving a tombstone so later probes still find
// entries that hashed into the same bucket chain.
func (t *Table[V]) Delete(key Key) bool {
	if len(t.entries) == 0 {
		return false
	}
	idx, found := t.find(key)
	if !found {
		return false
	}
	var zero V
	t.entries[idx] = entry[V]{used: true, tomb: true, value: zero}
	return true
}

// AddAll copies every live entry of from into t, used by OP_INHERIT to copy
// a superclass's method table into its subclass.
func (t *Table[V]) AddAll(from *Table[V]) {
	for _, e := range from.entries {
		if e.used && !e.tomb {
			t.Set(e.key, e.value)
		}
	}
}

// Keys returns the live keys in probe order. Callers that need insertion
// order (e.g. map.keys()) must track it themselves, since open addressing
// does not preserve insertion order.
func (t *Table[V]) Keys() []Key {
	keys := make([]Key, 0, t.Len())
	for _, e := range t.entries {
		if e.used && !e.tomb {
			keys = append(keys, e.key)
		}
	}
	return keys
}

// FindKey hash-probes for an existing key with the given bytes and hash,
// used by string interning to detect an already-interned string before
// allocating a new one. Returns nil, false if no match exists.
func (t *Table[V]) FindKey(bytes []byte, hash uint32) (Key, bool) {
	if len(t.entries) == 0 {
		return nil, false
	}
	mask := uint32(len(t.entries) - 1)
	idx := hash & mask
	for {
		e := &t.entries[idx]
		if !e.used {
			return nil, false
		}
		if !e.tomb && e.key.TableHash() == hash && string(e.key.TableBytes()) == string(bytes) {
			return e.key, true
		}
		idx = (idx + 1) & mask
	}
}

func (t *Table[V]) find(key Key) (int, bool) {
	mask := uint32(len(t.entries) - 1)
	idx := key.TableHash() & mask
	for {
		e := &t.entries[idx]
		if !e.used {
			return 0, false
		}
		if !e.tomb && e.key == key {
			return int(idx), true
		}
		idx = (idx + 1) & mask
	}
}

// findSlot locates the slot key belongs in for insertion: either its
// existing live slot, or the first tombstone/empty slot on its probe chain
// (preferring a tombstone so repeated insert/delete doesn't grow the chain
// unnecessarily).
func (t *Table[V]) findSlot(key Key) int {
	mask := uint32(len(t.entries) - 1)
	idx := key.TableHash() & mask
	var tombstone int = -1
	for {
		e := &t.entries[idx]
		if !e.used {
			if tombstone != -1 {
				return tombstone
			}
			return int(idx)
		}
		if e.tomb {
			if tombstone == -1 {
				tombstone = int(idx)
			}
		} else if e.key == key {
			return int(idx)
		}
		idx = (idx + 1) & mask
	}
}

func (t *Table[V]) grow() {
	newCap := 8
	if len(t.entries) > 0 {
		newCap = len(t.entries) * 2
	}
	old := t.entries
	t.entries = make([]entry[V], newCap)
	t.count = 0
	for _, e := range old {
		if e.used && !e.tomb {
			idx := t.findSlot(e.key)
			t.entries[idx] = entry[V]{key: e.key, value: e.value, used: true}
			t.count++
		}
	}
}

