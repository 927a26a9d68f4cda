package core

// Timer represents a scheduled event
type Timer struct {
	WakeTime uint32
	Handler  func(*Timer) uint8
	Next     *Timer
}

const (
	SF_DONE       = 0
	SF_RESCHEDULE = 1
)

// Scheduler keeps timers sorted by wake time and runs the ones that are due.
// It is owned by the firmware main loop and is not safe for concurrent use.
type Scheduler struct {
	timerList *Timer
	now       uint32
}

// NewScheduler creates an empty scheduler
func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Now returns the time of the current (or last) dispatch
func (s *Scheduler) Now() uint32 {
	return s.now
}

// SetTime sets the current time without running timers. Command handlers
// schedule relative to it.
func (s *Scheduler) SetTime(now uint32) {
	s.now = now
}

// Schedule adds a timer. A timer that is already scheduled is moved.
func (s *Scheduler) Schedule(t *Timer) {
	s.Delete(t)
	s.insertTimer(t)
}

// Delete removes a timer if it is scheduled
func (s *Scheduler) Delete(t *Timer) {
	if s.timerList == t {
		s.timerList = t.Next
		t.Next = nil
		return
	}
	for cur := s.timerList; cur != nil; cur = cur.Next {
		if cur.Next == t {
			cur.Next = t.Next
			t.Next = nil
			return
		}
	}
}

// Scheduled reports whether t is in the timer list
func (s *Scheduler) Scheduled(t *Timer) bool {
	for cur := s.timerList; cur != nil; cur = cur.Next {
		if cur == t {
			return true
		}
	}
	return false
}

// insertTimer inserts a timer in sorted order by WakeTime
func (s *Scheduler) insertTimer(t *Timer) {
	if s.timerList == nil || timerIsBefore(t.WakeTime, s.timerList.WakeTime) {
		t.Next = s.timerList
		s.timerList = t
		return
	}

	current := s.timerList
	for current.Next != nil && !timerIsBefore(t.WakeTime, current.Next.WakeTime) {
		current = current.Next
	}

	t.Next = current.Next
	current.Next = t
}

// Dispatch runs every timer whose WakeTime is at or before now.
// A timer that reschedules itself into the past is pushed to now+1, so each
// timer fires at most once per dispatch.
func (s *Scheduler) Dispatch(now uint32) {
	s.now = now

	for s.timerList != nil && !timerIsBefore(now, s.timerList.WakeTime) {
		timer := s.timerList
		s.timerList = timer.Next
		timer.Next = nil

		if timer.Handler(timer) == SF_RESCHEDULE {
			if !timerIsBefore(now, timer.WakeTime) {
				timer.WakeTime = now + 1
			}
			s.insertTimer(timer)
		}
	}
}
