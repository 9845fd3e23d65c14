package watch

import "time"

// ProfileStep maps a watch age to the polling interval used from that age on.
type ProfileStep struct {
	After    time.Duration
	Interval time.Duration
}

// Profile is an escalating backoff profile: short intervals right after the
// triggering action, longer ones as the watch ages. Steps must be ordered by
// ascending After; IntervalAt is monotonic over elapsed time.
type Profile []ProfileStep

// DefaultProfile polls aggressively for the first half minute and backs off
// to a slow cadence before the watch ceiling cuts polling entirely.
var DefaultProfile = Profile{
	{After: 0, Interval: 2 * time.Second},
	{After: 30 * time.Second, Interval: 5 * time.Second},
	{After: 2 * time.Minute, Interval: 15 * time.Second},
	{After: 5 * time.Minute, Interval: 30 * time.Second},
}

// IntervalAt returns the polling interval for a watch of the given age.
func (p Profile) IntervalAt(elapsed time.Duration) time.Duration {
	if len(p) == 0 {
		return DefaultProfile.IntervalAt(elapsed)
	}
	interval := p[0].Interval
	for _, step := range p {
		if elapsed < step.After {
			break
		}
		interval = step.Interval
	}
	return interval
}
