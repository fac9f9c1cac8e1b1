package table

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// testKey is a minimal Key implementation so these tests don't need to
// import pkg/value (which would create an import cycle back into pkg/table).
// Table compares keys with Go's == on the Key interface, so real callers
// always key on a pointer type (*value.ObjStringT); a value type with a
// slice field would panic on comparison, so this mirrors that with a
// pointer too, one per distinct interned string.
type testKey struct {
	bytes []byte
	hash  uint32
}

var internedTestKeys = map[string]*testKey{}

func newTestKey(s string) *testKey {
	if k, ok := internedTestKeys[s]; ok {
		return k
	}
	var hash uint32 = 2166136261
	for _, c := range []byte(s) {
		hash ^= uint32(c)
		hash *= 16777619
	}
	k := &testKey{bytes: []byte(s), hash: hash}
	internedTestKeys[s] = k
	return k
}

func (k *testKey) TableBytes() []byte { return k.bytes }
func (k *testKey) TableHash() uint32  { return k.hash }

func TestTable_SetGetRoundTrip(t *testing.T) {
	tbl := New[int]()
	a := newTestKey("a")
	isNew := tbl.Set(a, 1)
	require.True(t, isNew)

	v, ok := tbl.Get(a)
	require.True(t, ok)
	require.Equal(t, 1, v)
}

func TestTable_SetExistingKeyNotNew(t *testing.T) {
	tbl := New[int]()
	a := newTestKey("a")
	tbl.Set(a, 1)
	isNew := tbl.Set(a, 2)
	require.False(t, isNew)

	v, _ := tbl.Get(a)
	require.Equal(t, 2, v)
}

func TestTable_GetMissing(t *testing.T) {
	tbl := New[int]()
	_, ok := tbl.Get(newTestKey("missing"))
	require.False(t, ok)
}

func TestTable_DeleteThenTombstoneDoesNotBreakProbing(t *testing.T) {
	tbl := New[int]()
	a, b, c := newTestKey("a"), newTestKey("b"), newTestKey("c")
	tbl.Set(a, 1)
	tbl.Set(b, 2)
	tbl.Set(c, 3)

	require.True(t, tbl.Delete(b))
	require.False(t, tbl.Delete(b), "second delete of the same key must report nothing removed")

	// a and c must still be reachable even though b's slot became a tombstone
	// somewhere on their probe chain.
	va, ok := tbl.Get(a)
	require.True(t, ok)
	require.Equal(t, 1, va)

	vc, ok := tbl.Get(c)
	require.True(t, ok)
	require.Equal(t, 3, vc)

	_, ok = tbl.Get(b)
	require.False(t, ok)
}

func TestTable_Len(t *testing.T) {
	tbl := New[int]()
	require.Equal(t, 0, tbl.Len())
	tbl.Set(newTestKey("a"), 1)
	tbl.Set(newTestKey("b"), 2)
	require.Equal(t, 2, tbl.Len())
	tbl.Delete(newTestKey("a"))
	require.Equal(t, 1, tbl.Len())
}

func TestTable_GrowsPastLoadFactor(t *testing.T) {
	tbl := New[int]()
	for i := 0; i < 200; i++ {
		tbl.Set(newTestKey(string(rune('a'+(i%26))) + string(rune(i))), i)
	}
	require.Equal(t, 200, tbl.Len())
}

func TestTable_AddAllCopiesLiveEntriesOnly(t *testing.T) {
	src := New[int]()
	a, b := newTestKey("a"), newTestKey("b")
	src.Set(a, 1)
	src.Set(b, 2)
	src.Delete(b)

	dst := New[int]()
	dst.AddAll(src)

	v, ok := dst.Get(a)
	require.True(t, ok)
	require.Equal(t, 1, v)

	_, ok = dst.Get(b)
	require.False(t, ok, "tombstoned source entries must not be copied")
}

func TestTable_FindKeyLocatesExistingKeyByContent(t *testing.T) {
	tbl := New[int]()
	a := newTestKey("hello")
	tbl.Set(a, 1)

	found, ok := tbl.FindKey([]byte("hello"), a.TableHash())
	require.True(t, ok)
	require.Equal(t, a, found)

	_, ok = tbl.FindKey([]byte("nope"), newTestKey("nope").TableHash())
	require.False(t, ok)
}

func TestTable_KeysReturnsOnlyLiveEntries(t *testing.T) {
	tbl := New[int]()
	a, b, c := newTestKey("a"), newTestKey("b"), newTestKey("c")
	tbl.Set(a, 1)
	tbl.Set(b, 2)
	tbl.Set(c, 3)
	tbl.Delete(b)

	keys := tbl.Keys()
	require.Len(t, keys, 2)
}
