// Package location extracts a coarse place name from free-form post
// text. Resolution is gazetteer-based: a fixed list of known place
// names matched case-insensitively, with an LRU cache in front since
// posts during a surge repeat the same phrases.
package location

import (
	"context"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/crowdsense/crowdsense-backend/internal/models"
)

// Resolver maps raw post text to a normalized location. ok is false
// when no known place appears in the text.
type Resolver interface {
	Resolve(ctx context.Context, rawText string) (location string, ok bool)
}

// defaultGazetteer covers the metros the original deployment monitored.
// Entries must be lowercase.
var defaultGazetteer = []string{
	"chennai",
	"mumbai",
	"delhi",
	"kolkata",
	"bengaluru",
	"bangalore",
	"hyderabad",
	"pune",
	"ahmedabad",
	"jaipur",
	"lucknow",
	"kochi",
	"bhubaneswar",
	"odisha",
	"assam",
	"kerala",
	"gujarat",
	"uttarakhand",
}

// GazetteerResolver scans text for known place names. Longest names are
// checked first so "new delhi" style extensions never lose to a prefix.
type GazetteerResolver struct {
	places []string
	cache  *lru.Cache[string, cacheEntry]
}

type cacheEntry struct {
	location string
	ok       bool
}

// NewGazetteerResolver builds a resolver over the given place list, or
// the built-in gazetteer when places is empty. cacheSize <= 0 picks a
// sensible default.
func NewGazetteerResolver(places []string, cacheSize int) (*GazetteerResolver, error) {
	if len(places) == 0 {
		places = defaultGazetteer
	}
	normalized := make([]string, 0, len(places))
	for _, p := range places {
		p = models.NormalizeLocation(p)
		if p != "" && p != models.LocationUnknown {
			normalized = append(normalized, p)
		}
	}
	// Longest-first so multi-word places win over substrings.
	for i := 1; i < len(normalized); i++ {
		for j := i; j > 0 && len(normalized[j]) > len(normalized[j-1]); j-- {
			normalized[j], normalized[j-1] = normalized[j-1], normalized[j]
		}
	}
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, err := lru.New[string, cacheEntry](cacheSize)
	if err != nil {
		return nil, err
	}
	return &GazetteerResolver{places: normalized, cache: cache}, nil
}

// Resolve returns the first (longest) gazetteer place found in the
// text. Results are cached on the normalized text.
func (r *GazetteerResolver) Resolve(ctx context.Context, rawText string) (string, bool) {
	text := strings.ToLower(strings.TrimSpace(rawText))
	if text == "" {
		return models.LocationUnknown, false
	}
	if hit, ok := r.cache.Get(text); ok {
		return hit.location, hit.ok
	}

	loc, found := models.LocationUnknown, false
	for _, place := range r.places {
		if containsWord(text, place) {
			loc, found = place, true
			break
		}
	}
	r.cache.Add(text, cacheEntry{location: loc, ok: found})
	return loc, found
}

// containsWord reports whether place occurs in text on word boundaries,
// so "pune" does not match "impunity".
func containsWord(text, place string) bool {
	idx := 0
	for {
		i := strings.Index(text[idx:], place)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(place)
		beforeOK := start == 0 || !isWordByte(text[start-1])
		afterOK := end == len(text) || !isWordByte(text[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9'
}
