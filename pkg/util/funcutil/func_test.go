package funcutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckCtxValid(t *testing.T) {
	assert.True(t, CheckCtxValid(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, CheckCtxValid(ctx))
}

func TestKeepDigits(t *testing.T) {
	assert.Equal(t, "15551234567", KeepDigits("+1 (555) 123-4567"))
	assert.Equal(t, "", KeepDigits("abc"))
	assert.Equal(t, "1", KeepDigits("٣1"))
}

func TestIsBlank(t *testing.T) {
	assert.True(t, IsBlank(""))
	assert.True(t, IsBlank(" \t\r"))
	assert.False(t, IsBlank(" hi "))
}
