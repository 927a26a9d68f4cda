package core

// The firmware clock counts microseconds in a wrapping 32-bit counter.
const (
	TimerFreq = 1000000 // 1MHz timer frequency
)

// TimerFromUS converts microseconds to timer ticks
func TimerFromUS(us uint32) uint32 {
	return us * (TimerFreq / 1000000)
}

// timerIsBefore reports whether time a is before time b, tolerating wraparound
func timerIsBefore(a, b uint32) bool {
	return int32(a-b) < 0
}
