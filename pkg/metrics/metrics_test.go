package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRegister(t *testing.T) {
	r := prometheus.NewRegistry()
	Register(r)
	Register(r)
	assert.Equal(t, r, GetRegisterer())

	DispatchMessageTotal.WithLabelValues(SuccessLabel).Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(DispatchMessageTotal.WithLabelValues(SuccessLabel)))

	families, err := r.Gather()
	assert.NoError(t, err)
	assert.NotEmpty(t, families)
}
