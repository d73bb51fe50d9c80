package isolation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScope_ParentFirstShadowing(t *testing.T) {
	root := NewRootScope()
	root.Bind("greeting", "host")

	child := root.Child(ParentFirst)
	child.Bind("greeting", "plugin")

	v, ok := child.Resolve("greeting")
	require.True(t, ok)
	assert.Equal(t, "host", v, "parent-first must prefer the host's own binding")
}

func TestScope_ChildFirstShadowing(t *testing.T) {
	root := NewRootScope()
	root.Bind("greeting", "host")

	child := root.Child(ChildFirst)
	child.Bind("greeting", "plugin")

	v, ok := child.Resolve("greeting")
	require.True(t, ok)
	assert.Equal(t, "plugin", v, "child-first must let the plugin shadow the host")
}

func TestScope_FallsThroughToParent(t *testing.T) {
	root := NewRootScope()
	root.Bind("only-on-root", 42)

	child := root.Child(ChildFirst)

	v, ok := child.Resolve("only-on-root")
	require.True(t, ok)
	assert.Equal(t, 42, v)
}

func TestScope_UnknownSymbol(t *testing.T) {
	root := NewRootScope()
	child := root.Child(ParentFirst)

	_, ok := child.Resolve("nope")
	assert.False(t, ok)
}

func TestScope_CloseIsIdempotentAndReleases(t *testing.T) {
	root := NewRootScope()
	child := root.Child(ParentFirst)
	child.Bind("x", 1)

	child.Close()
	child.Close() // must not panic

	assert.True(t, child.Closed())
	_, ok := child.Resolve("x")
	assert.False(t, ok, "a closed scope resolves nothing")
}

func TestScope_DistinctScopesDoNotCollide(t *testing.T) {
	root := NewRootScope()
	a := root.Child(ParentFirst)
	b := root.Child(ParentFirst)

	a.Bind("name", "plugin-a")
	b.Bind("name", "plugin-b")

	va, _ := a.Resolve("name")
	vb, _ := b.Resolve("name")
	assert.Equal(t, "plugin-a", va)
	assert.Equal(t, "plugin-b", vb)
}
