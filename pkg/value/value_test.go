package value

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func internString(s string) *ObjStringT {
	return &ObjStringT{Chars: []byte(s), Hash: FNV1a([]byte(s))}
}

func TestFalsy_NilAndFalseAreFalsy(t *testing.T) {
	require.True(t, Nil.Falsy())
	require.True(t, Bool_(false).Falsy())
}

func TestFalsy_ZeroIsTruthy(t *testing.T) {
	require.False(t, Number(0).Falsy())
	require.True(t, Number(0).Truthy())
}

func TestFalsy_EverythingElseIsTruthy(t *testing.T) {
	require.True(t, Bool_(true).Truthy())
	require.True(t, Obj(internString("")).Truthy())
}

func TestEqual_NumbersCompareByValue(t *testing.T) {
	require.True(t, Equal(Number(1), Number(1)))
	require.False(t, Equal(Number(1), Number(2)))
}

func TestEqual_DistinctKindsNeverEqual(t *testing.T) {
	require.False(t, Equal(Number(0), Nil))
	require.False(t, Equal(Bool_(false), Nil))
	require.False(t, Equal(Number(1), Bool_(true)))
}

func TestEqual_ObjectsCompareByIdentity(t *testing.T) {
	a := internString("same content")
	b := internString("same content")
	require.True(t, Equal(Obj(a), Obj(a)))
	require.False(t, Equal(Obj(a), Obj(b)), "two distinct allocations with equal content are not Equal without interning")
}

func TestEqual_InternedStringsShareIdentity(t *testing.T) {
	// Interning's job is exactly to make content-equal strings share one
	// object so Equal (pointer identity) coincides with content equality.
	shared := internString("x")
	require.True(t, Equal(Obj(shared), Obj(shared)))
}

func TestStringify_Nil(t *testing.T) {
	require.Equal(t, "nil", Stringify(Nil))
}

func TestStringify_Bools(t *testing.T) {
	require.Equal(t, "true", Stringify(Bool_(true)))
	require.Equal(t, "false", Stringify(Bool_(false)))
}

func TestStringify_NumberShortestForm(t *testing.T) {
	require.Equal(t, "42", Stringify(Number(42)))
	require.Equal(t, "3.14", Stringify(Number(3.14)))
}

func TestStringify_String(t *testing.T) {
	require.Equal(t, "hi", Stringify(Obj(internString("hi"))))
}

func TestStringify_List(t *testing.T) {
	l := &ObjListT{Items: []Value{Number(1), Obj(internString("a")), Bool_(true)}}
	require.Equal(t, `[1, a, true]`, Stringify(Obj(l)))
}

func TestStringify_Map_PreservesInsertionOrder(t *testing.T) {
	m := NewMap()
	m.Set(internString("b"), Number(2))
	m.Set(internString("a"), Number(1))
	require.Equal(t, `{"b": 2, "a": 1}`, Stringify(Obj(m)))
}

func TestMapSetGetDelete(t *testing.T) {
	m := NewMap()
	k := internString("key")
	_, ok := m.Entries.Get(k)
	require.False(t, ok)

	m.Set(k, Number(1))
	v, ok := m.Entries.Get(k)
	require.True(t, ok)
	require.Equal(t, Number(1), v)
	require.Equal(t, []*ObjStringT{k}, m.Order)

	require.True(t, m.Delete(k))
	require.Empty(t, m.Order)
	require.False(t, m.Delete(k), "deleting twice reports nothing removed")
}

func TestMapSet_ExistingKeyDoesNotDuplicateOrder(t *testing.T) {
	m := NewMap()
	k := internString("key")
	m.Set(k, Number(1))
	m.Set(k, Number(2))
	require.Len(t, m.Order, 1)
	v, _ := m.Entries.Get(k)
	require.Equal(t, Number(2), v)
}

func TestObjType_String(t *testing.T) {
	require.Equal(t, "string", ObjString.String())
	require.Equal(t, "list", ObjList.String())
	require.Equal(t, "bound method", ObjBoundMethod.String())
	require.Equal(t, "bound method", ObjBoundNative.String())
}

func TestNewClass_EmptyMethodTable(t *testing.T) {
	c := NewClass(internString("Foo"))
	require.Equal(t, 0, c.Methods.Len())
}

func TestNewInstance_EmptyFields(t *testing.T) {
	c := NewClass(internString("Foo"))
	inst := NewInstance(c)
	require.Same(t, c, inst.Class)
	require.Equal(t, 0, inst.Fields.Len())
}

func TestFunction_DisplayName(t *testing.T) {
	anon := &ObjFunction{}
	require.Equal(t, "script", anon.DisplayName())

	named := &ObjFunction{Name: internString("outer")}
	require.Equal(t, "outer", named.DisplayName())
}

func TestUpvalue_OpenVsClosed(t *testing.T) {
	slot := Number(1)
	up := &ObjUpvalueT{Location: &slot}
	require.True(t, up.IsOpen())

	up.Closed = slot
	up.Location = &up.Closed
	require.False(t, up.IsOpen())
}
