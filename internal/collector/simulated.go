package collector

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/crowdsense/crowdsense-backend/internal/models"
)

// SimulatedCollector fabricates post counts for local development and
// drills. Each signal idles at a small baseline; TriggerSpike raises the
// next N fetches so a detector downstream sees a real surge.
type SimulatedCollector struct {
	mu       sync.Mutex
	rng      *rand.Rand
	baseline float64
	jitter   float64
	spikes   map[string]*spike
}

type spike struct {
	magnitude float64
	remaining int
	text      string
}

// NewSimulatedCollector creates a simulated source. baseline is the idle
// post count per window; jitter is the +/- noise band around it.
func NewSimulatedCollector(baseline, jitter float64, seed int64) *SimulatedCollector {
	if baseline <= 0 {
		baseline = 5
	}
	if jitter < 0 {
		jitter = 0
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &SimulatedCollector{
		rng:      rand.New(rand.NewSource(seed)),
		baseline: baseline,
		jitter:   jitter,
		spikes:   make(map[string]*spike),
	}
}

// TriggerSpike makes the next `fetches` calls for the signal return
// baseline+magnitude, simulating a disaster surge. text is a fabricated
// representative post attached to the spiked samples so location
// extraction has something to chew on; empty is fine.
func (s *SimulatedCollector) TriggerSpike(signal string, magnitude float64, fetches int, text string) {
	if fetches <= 0 || magnitude <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spikes[signal] = &spike{magnitude: magnitude, remaining: fetches, text: text}
}

// Fetch never fails; the simulated upstream is always reachable.
func (s *SimulatedCollector) Fetch(ctx context.Context, signal string, window time.Duration) ([]models.Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, &CollectionError{Signal: signal, Err: err}
	}

	s.mu.Lock()
	value := s.baseline
	text := ""
	if s.jitter > 0 {
		value += (s.rng.Float64()*2 - 1) * s.jitter
	}
	if sp, ok := s.spikes[signal]; ok {
		value += sp.magnitude
		text = sp.text
		sp.remaining--
		if sp.remaining <= 0 {
			delete(s.spikes, signal)
		}
	}
	s.mu.Unlock()

	if value < 0 {
		value = 0
	}
	return []models.Sample{{
		Timestamp: time.Now().UTC(),
		Value:     value,
		SourceTag: "simulated",
		Text:      text,
	}}, nil
}
