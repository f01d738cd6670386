// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

package relay

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type senderLimit struct {
	l        *rate.Limiter
	lastSeen time.Time
}

// senderLimiter is a token bucket per upstream peer.
type senderLimiter struct {
	sync.Mutex

	limit   rate.Limit
	burst   int
	senders map[string]*senderLimit
}

func newSenderLimiter(perSecond float64, burst int) *senderLimiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &senderLimiter{
		limit:   limit,
		burst:   burst,
		senders: make(map[string]*senderLimit),
	}
}

func (s *senderLimiter) allow(peerID string, now time.Time) bool {
	s.Lock()
	defer s.Unlock()
	e, ok := s.senders[peerID]
	if !ok {
		e = &senderLimit{l: rate.NewLimiter(s.limit, s.burst)}
		s.senders[peerID] = e
	}
	e.lastSeen = now
	return e.l.AllowN(now, 1)
}

func (s *senderLimiter) prune(idle time.Duration, now time.Time) {
	s.Lock()
	defer s.Unlock()
	for k, e := range s.senders {
		if now.Sub(e.lastSeen) > idle {
			delete(s.senders, k)
		}
	}
}
