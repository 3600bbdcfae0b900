package typeutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet(t *testing.T) {
	set := NewSet("a", "b")
	set.Insert("b", "c")
	assert.Equal(t, 3, set.Len())
	assert.True(t, set.Contain("a", "c"))
	assert.False(t, set.Contain("a", "d"))

	set.Remove("a", "d")
	assert.False(t, set.Contain("a"))
	assert.ElementsMatch(t, []string{"b", "c"}, set.Collect())
}
