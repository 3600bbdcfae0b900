package json

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCompatible(t *testing.T) {
	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count,omitempty"`
	}

	data, err := Marshal(payload{Name: "<a>"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"<a>"}`, string(data))

	var out payload
	require.NoError(t, Unmarshal([]byte(`{"name":"x","count":2}`), &out))
	assert.Equal(t, payload{Name: "x", Count: 2}, out)

	assert.True(t, Valid([]byte(`{"a":1}`)))
	assert.False(t, Valid([]byte(`{"a":`)))
}
