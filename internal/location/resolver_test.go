package location

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crowdsense/crowdsense-backend/internal/models"
)

func TestGazetteerResolver_Resolve(t *testing.T) {
	r, err := NewGazetteerResolver(nil, 0)
	require.NoError(t, err)

	tests := []struct {
		name string
		text string
		want string
		ok   bool
	}{
		{"simple match", "Severe flooding reported in Chennai this morning", "chennai", true},
		{"case insensitive", "MUMBAI airport closed due to storm", "mumbai", true},
		{"no place", "earthquake tremors felt everywhere", models.LocationUnknown, false},
		{"empty text", "   ", models.LocationUnknown, false},
		{"word boundary", "impunely ignoring warnings", models.LocationUnknown, false},
		{"punctuation boundary", "fire near Delhi!", "delhi", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := r.Resolve(context.Background(), tt.text)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGazetteerResolver_LongestNameWins(t *testing.T) {
	r, err := NewGazetteerResolver([]string{"delhi", "new delhi"}, 0)
	require.NoError(t, err)

	got, ok := r.Resolve(context.Background(), "power outage across new delhi")
	require.True(t, ok)
	assert.Equal(t, "new delhi", got)
}

func TestGazetteerResolver_CustomPlaces(t *testing.T) {
	r, err := NewGazetteerResolver([]string{"  Springfield  "}, 0)
	require.NoError(t, err)

	got, ok := r.Resolve(context.Background(), "tornado touching down near springfield mall")
	require.True(t, ok)
	assert.Equal(t, "springfield", got)
}

func TestGazetteerResolver_CacheHit(t *testing.T) {
	r, err := NewGazetteerResolver(nil, 8)
	require.NoError(t, err)

	text := "flood waters rising in Kochi"
	first, ok1 := r.Resolve(context.Background(), text)
	second, ok2 := r.Resolve(context.Background(), text)

	assert.True(t, ok1)
	assert.True(t, ok2)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, r.cache.Len())
}
