package encore

import "time"

// samplePacer decides when each sample of a regular-rate stream is due.
// Deadlines are anchored to the pacer's creation time: sample n is due at
// start + n/rate, no matter how long earlier samples took. A late sample is
// released immediately without moving later deadlines, so a stall produces
// no burst of compressed catch-up samples. time.Until works on the monotonic
// clock reading inside each time.Time, so wall-clock steps cannot distort
// the pacing.
type samplePacer struct {
	start time.Time
	rate  float64
	timer *time.Timer
	lag   time.Duration // how late the most recent sample was
}

// newSamplePacer starts the pacing clock for a stream at the given rate in
// samples per second. Returns nil for rate 0: irregular streams are unpaced.
func newSamplePacer(rate float64) *samplePacer {
	if rate == 0 {
		return nil
	}
	return &samplePacer{start: time.Now(), rate: rate}
}

// deadline returns the ideal emission time for sample n. It is computed
// fresh from n each call rather than by accumulating periods, so rounding
// error does not grow with n.
func (p *samplePacer) deadline(n int64) time.Time {
	return p.start.Add(time.Duration(float64(n) / p.rate * float64(time.Second)))
}

// waitUntilDue sleeps until sample n is due, or until abort closes,
// whichever comes first. Returns false on abort. If sample n is already due,
// it returns true immediately and records how far behind schedule it is.
func (p *samplePacer) waitUntilDue(n int64, abort <-chan struct{}) bool {
	wait := time.Until(p.deadline(n))
	if wait <= 0 {
		p.lag = -wait
		return true
	}
	p.lag = 0
	if p.timer == nil {
		p.timer = time.NewTimer(wait)
	} else {
		p.timer.Reset(wait)
	}
	select {
	case <-abort:
		if !p.timer.Stop() {
			<-p.timer.C
		}
		return false
	case <-p.timer.C:
		return true
	}
}
