package governor

import (
	"time"

	"github.com/marketdna/dna-pipeline/internal/types"
)

// kindStats accumulates per-kind scheduling metrics. Guarded by the
// governor mutex.
type kindStats struct {
	Started   int
	Completed int
	Failed    int
	Cancelled int
	Retries   int
	totalWait time.Duration
}

func (s *kindStats) recordStart(wait time.Duration) {
	s.Started++
	s.totalWait += wait
}

// KindStats is the exported per-kind snapshot.
type KindStats struct {
	QueueDepth   int           `json:"queue_depth"`
	Started      int           `json:"started"`
	Completed    int           `json:"completed"`
	Failed       int           `json:"failed"`
	Cancelled    int           `json:"cancelled"`
	Retries      int           `json:"retries"`
	AverageWait  time.Duration `json:"average_wait"`
	SuccessRatio float64       `json:"success_ratio"`
}

// Stats returns a consistent snapshot of every kind's metrics.
func (g *Governor) Stats() map[types.RequestKind]KindStats {
	g.mu.Lock()
	defer g.mu.Unlock()

	snapshot := make(map[types.RequestKind]KindStats, len(g.stats))

	for kind, s := range g.stats {
		stat := KindStats{
			QueueDepth:   g.queues[kind].Len(),
			Started:      s.Started,
			Completed:    s.Completed,
			Failed:       s.Failed,
			Cancelled:    s.Cancelled,
			Retries:      s.Retries,
			AverageWait:  0,
			SuccessRatio: 0,
		}

		if s.Started > 0 {
			stat.AverageWait = s.totalWait / time.Duration(s.Started)
		}

		if terminal := s.Completed + s.Failed; terminal > 0 {
			stat.SuccessRatio = float64(s.Completed) / float64(terminal)
		}

		snapshot[kind] = stat
	}

	return snapshot
}
