package cachemanager

import (
	"math"
	"sync/atomic"
)

// Outcome is how one prerender request was answered. It is also sent back in
// the X-Prerender-Cache header.
type Outcome string

const (
	OutcomeHit      Outcome = "hit"
	OutcomeMiss     Outcome = "miss"
	OutcomeExpired  Outcome = "expired"
	OutcomeFallback Outcome = "fallback" // store unusable, rendered directly
	OutcomeBypass   Outcome = "bypass"   // no row key could be derived
	OutcomeError    Outcome = "error"    // renderer failed
)

type statsCollector struct {
	hits         atomic.Uint64
	misses       atomic.Uint64
	expired      atomic.Uint64
	fallbacks    atomic.Uint64
	bypasses     atomic.Uint64
	renderErrors atomic.Uint64

	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(o Outcome, respBytes int) {
	switch o {
	case OutcomeHit:
		s.hits.Add(1)
	case OutcomeMiss:
		s.misses.Add(1)
	case OutcomeExpired:
		s.expired.Add(1)
	case OutcomeFallback:
		s.fallbacks.Add(1)
	case OutcomeBypass:
		s.bypasses.Add(1)
	case OutcomeError:
		s.renderErrors.Add(1)
		return
	}

	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur {
			break
		}
		if s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur {
			break
		}
		if s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	Hits, Misses, Expired, Fallbacks, Bypasses, RenderErrors uint64

	TotalResponses uint64
	TotalRespBytes uint64
	MinRespBytes   uint64
	MaxRespBytes   uint64
	AvgRespBytes   uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	ss := statsSnapshot{
		Hits:         s.hits.Load(),
		Misses:       s.misses.Load(),
		Expired:      s.expired.Load(),
		Fallbacks:    s.fallbacks.Load(),
		Bypasses:     s.bypasses.Load(),
		RenderErrors: s.renderErrors.Load(),
	}
	count := s.totalResponses.Load()
	if count == 0 {
		return ss
	}
	ss.TotalResponses = count
	ss.TotalRespBytes = s.totalRespBytes.Load()
	ss.MinRespBytes = s.minRespBytes.Load()
	ss.MaxRespBytes = s.maxRespBytes.Load()
	ss.AvgRespBytes = ss.TotalRespBytes / count
	return ss
}
