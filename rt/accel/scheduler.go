package accel

// Scheduler decides on which frames a rebuild starts. The first build runs as
// soon as streaming allows; later ones follow the frame interval.
type Scheduler struct {
	interval    uint64
	attempted   bool
	lastAttempt uint64
}

// NewScheduler returns a scheduler with the given cadence in frames. An
// interval of zero disables periodic rebuilds after the first.
func NewScheduler(interval uint64) *Scheduler {
	return &Scheduler{interval: interval}
}

func (s *Scheduler) Interval() uint64 { return s.interval }

// Due reports whether a rebuild should start on frame. It never fires while
// streaming is busy.
func (s *Scheduler) Due(frame uint64, installed, busy bool) bool {
	if busy {
		return false
	}
	if !s.attempted {
		return !installed
	}
	if s.interval == 0 {
		return false
	}
	return frame >= s.lastAttempt+s.interval
}

// MarkAttempt records that a rebuild started on frame, successful or not.
func (s *Scheduler) MarkAttempt(frame uint64) {
	s.attempted = true
	s.lastAttempt = frame
}
