package model

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewField_ClampsConfidence(t *testing.T) {
	tests := []struct {
		name string
		in   float64
		want float64
	}{
		{"negative", -0.5, 0},
		{"above one", 1.7, 1},
		{"nan", math.NaN(), 0},
		{"in range", 0.42, 0.42},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewField(FieldTitle, "x", SourceRawMarkup, tt.in)
			assert.InDelta(t, tt.want, f.Confidence(), 1e-9)
		})
	}
}

func TestSourcePriority(t *testing.T) {
	assert.Greater(t, SourceStructuredAPI.Priority(), SourceRenderedDOM.Priority())
	assert.Greater(t, SourceRenderedDOM.Priority(), SourceRawMarkup.Priority())
	assert.Greater(t, SourceRawMarkup.Priority(), SourceFallback.Priority())
	assert.False(t, Source("scraper").Valid())
	assert.True(t, SourceFallback.Valid())
}

func TestProvenance_IsFallback(t *testing.T) {
	assert.True(t, Provenance{}.IsFallback())
	assert.True(t, Provenance{Source: SourceFallback}.IsFallback())
	assert.False(t, Provenance{Source: SourceRawMarkup, Confidence: 0.4}.IsFallback())
}

func TestHints_Fields(t *testing.T) {
	h := Hints{Title: "Mug", Currency: "EUR", Pipeline: PathLegacy}
	fields := h.Fields()
	assert.Len(t, fields, 2)
	for _, f := range fields {
		assert.Equal(t, SourceFallback, f.Source())
		assert.InDelta(t, 0.1, f.Confidence(), 1e-9)
	}
	assert.Empty(t, Hints{RewriteDescription: true}.Fields())
}
