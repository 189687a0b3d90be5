package main

import (
	"sync"

	"github.com/postalsys/netdiag/internal/correlation"
	"github.com/postalsys/netdiag/internal/health"
	"github.com/postalsys/netdiag/internal/ping"
)

// coreStats reports channel and correlation state to the health server.
type coreStats struct {
	table *correlation.Table

	mu       sync.Mutex
	channels []*ping.Channel
}

func newCoreStats(table *correlation.Table) *coreStats {
	return &coreStats{table: table}
}

func (s *coreStats) add(ch *ping.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.channels = append(s.channels, ch)
}

func (s *coreStats) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.channels) > 0
}

func (s *coreStats) Stats() health.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := health.Stats{PendingProbes: s.table.Len()}
	for _, ch := range s.channels {
		st := health.ChannelStatus{
			Family:  ch.Family().String(),
			Running: true,
		}
		if addr := ch.LocalAddr(); addr != nil {
			st.LocalAddr = addr.String()
		}
		select {
		case <-ch.Done():
			st.Running = false
			if err := ch.Err(); err != nil {
				st.Error = err.Error()
			}
		default:
		}
		stats.Channels = append(stats.Channels, st)
	}
	return stats
}
