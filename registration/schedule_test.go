package registration

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAnnealedIterations(t *testing.T) {
	tests := []struct {
		name                          string
		start, end, iteration, total int
		want                          int
	}{
		{"first", 50, 1, 0, 60, 50},
		{"last", 50, 1, 59, 60, 1},
		{"midpoint is geometric mean", 100, 1, 5, 11, 10},
		{"single iteration", 50, 1, 0, 1, 50},
		{"constant", 7, 7, 13, 20, 7},
		{"linear to zero", 10, 0, 5, 11, 5},
		{"past the end", 50, 1, 80, 60, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AnnealedIterations(tt.start, tt.end, tt.iteration, tt.total)
			if got != tt.want {
				t.Errorf("AnnealedIterations(%d, %d, %d, %d) = %d, want %d", tt.start, tt.end, tt.iteration, tt.total, got, tt.want)
			}
		})
	}
}

func TestAnnealedIterationsIsMonotone(t *testing.T) {
	prev := AnnealedIterations(50, 1, 0, 60)
	for i := 1; i < 60; i++ {
		got := AnnealedIterations(50, 1, i, 60)
		assert.LessOrEqual(t, got, prev, "iteration %d", i)
		prev = got
	}
}

func TestTransformAt(t *testing.T) {
	cfg := DefaultConfig()
	first := cfg.Registration.TransformAt(0, cfg.Transform)
	last := cfg.Registration.TransformAt(cfg.Registration.NumIterations-1, cfg.Transform)

	assert.Equal(t, 50, first.NumViscousIterations)
	assert.Equal(t, 50, first.NumElasticIterations)
	assert.Equal(t, 1, last.NumViscousIterations)
	assert.Equal(t, 1, last.NumElasticIterations)
	assert.Equal(t, cfg.Transform.Sigma, last.Sigma, "other fields are copied")
	assert.Equal(t, 50, cfg.Transform.NumViscousIterations, "base is not modified")
}
