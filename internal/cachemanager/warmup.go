package cachemanager

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
)

func (s *Service) warmupLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.warmAll()
		}
	}
}

// warmAll pushes every configured warmup request through Prerender, so
// expired entries are re-rendered before a user asks for them.
func (s *Service) warmAll() {
	for i, wr := range s.cfg.Warmup.Requests {
		select {
		case <-s.stopCh:
			return
		default:
		}

		props := wr.Body
		if props == nil {
			props = map[string]any{}
		}
		body, err := json.Marshal(props)
		if err != nil {
			log.Printf("warmup[%d] %q: encode body: %v", i, wr.RemoteName, err)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		res, err := s.Prerender(ctx, Request{
			Port:       wr.Port,
			RemoteName: wr.RemoteName,
			Language:   wr.Language,
			Body:       body,
			RequestID:  "warmup-" + uuid.NewString(),
		})
		cancel()
		if err != nil {
			log.Printf("warmup[%d] %q port %d: %v", i, wr.RemoteName, wr.Port, err)
			continue
		}
		if res.Outcome != OutcomeHit {
			log.Printf("warmup[%d] %q port %d: %s", i, wr.RemoteName, wr.Port, res.Outcome)
		}
	}
}
