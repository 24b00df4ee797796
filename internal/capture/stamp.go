package capture

import "sync"

// stampRetention bounds how far behind the newest stamp an entry may fall
// before it is pruned.
const (
	stampRetention = 60_000
	stampPruneAt   = 1024
)

// stamper issues capture timestamps that strictly increase per domain, so two
// captures of one domain never share an object key within this process.
type stamper struct {
	mu   sync.Mutex
	last map[string]int64
}

func newStamper() *stamper {
	return &stamper{last: make(map[string]int64)}
}

// next returns at, or one millisecond past the last stamp issued for domain
// when at would not advance it.
func (s *stamper) next(domain string, at int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.last[domain]; ok && at <= prev {
		at = prev + 1
	}
	s.last[domain] = at
	if len(s.last) > stampPruneAt {
		for d, ts := range s.last {
			if at-ts > stampRetention {
				delete(s.last, d)
			}
		}
	}
	return at
}
