package scheduler

import (
	"context"
	"time"

	"clinicboard/internal/board"
	"clinicboard/internal/model"
)

// Live is the latest classification of the published board against the
// clock. It is replaced as a whole and must not be modified. Readers that
// need board statuses next to the split use Snapshot, never a separately
// loaded one.
type Live struct {
	Now  time.Time  `json:"now"`
	Date model.Date `json:"date"`
	// Seq is the snapshot sequence this view was derived from.
	Seq       uint64               `json:"seq"`
	Stale     bool                 `json:"stale"`
	Snapshot  *Snapshot            `json:"-"`
	Calendars board.Classification `json:"calendars"`
}

// Live returns the latest live view. It is never nil.
func (s *Scheduler) Live() *Live {
	return s.live.Load()
}

// Reclassify recomputes the live view from the current snapshot. It never
// triggers aggregation.
func (s *Scheduler) Reclassify() *Live {
	snap := s.snap.Load()
	now := s.clock.Now()
	next := &Live{
		Now:       now,
		Date:      snap.Date,
		Seq:       snap.Seq,
		Stale:     snap.Stale(),
		Snapshot:  snap,
		Calendars: board.ClassifyBoard(snap.Board, now),
	}
	if snap.Board != nil {
		next.Date = snap.Board.Date
	}

	for {
		cur := s.live.Load()
		// A view derived from an older snapshot, or an earlier reading of
		// the same one, never replaces a newer view.
		if cur.Seq > next.Seq || (cur.Seq == next.Seq && cur.Now.After(next.Now)) {
			return cur
		}
		if s.live.CompareAndSwap(cur, next) {
			return next
		}
	}
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	t := time.NewTicker(s.tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Reclassify()
		}
	}
}
