package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreCreateAndGet(t *testing.T) {
	st := NewStore()

	s := st.Create(Problem{Category: "crypto", Title: "RSA warmup"}, RuntimePaths{})
	require.NotNil(t, s)

	got, ok := st.Get(s.ID())
	require.True(t, ok)
	assert.Same(t, s, got)
	assert.Equal(t, 1, st.Len())
}

func TestStoreGetUnknown(t *testing.T) {
	st := NewStore()
	_, ok := st.Get("nope")
	assert.False(t, ok)
}

func TestStoreDelete(t *testing.T) {
	st := NewStore()
	s := st.Create(Problem{}, RuntimePaths{})

	assert.True(t, st.Delete(s.ID()))
	assert.False(t, st.Delete(s.ID()))
	assert.Zero(t, st.Len())
}

func TestStoreListOrderedByCreation(t *testing.T) {
	st := NewStore()
	first := st.Create(Problem{Title: "a"}, RuntimePaths{})
	second := st.Create(Problem{Title: "b"}, RuntimePaths{})
	third := st.Create(Problem{Title: "c"}, RuntimePaths{})

	list := st.List()
	require.Len(t, list, 3)

	pos := make(map[string]int, 3)
	for i, s := range list {
		pos[s.ID()] = i
	}
	assert.Less(t, pos[first.ID()], pos[second.ID()])
	assert.Less(t, pos[second.ID()], pos[third.ID()])
}

func TestStoreClear(t *testing.T) {
	st := NewStore()
	st.Create(Problem{}, RuntimePaths{})
	st.Create(Problem{}, RuntimePaths{})

	st.Clear()
	assert.Zero(t, st.Len())
	assert.Empty(t, st.List())
}
