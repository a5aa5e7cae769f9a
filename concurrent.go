package dacq

import (
	"sync/atomic"
	"time"

	"github.com/thinkgos/timing/v3"
)

// retry interval when the collector finds the bus busy at a deadline
const collectRetryDelay = time.Second

// slot is one outstanding concurrent measurement session. The address
// of the embedded request doubles as the liveness flag: zero marks the
// slot free. Slots are written only under the bus lock.
type slot struct {
	dh       Handle
	sdi      Request
	deadline time.Time
	tm       *timing.Timer
}

// enqueue starts a C/CC measurement and parks the session in a free
// slot; its timer fires at the deadline and hands the slot to the
// collector. Caller holds the bus lock.
func (sf *SDI12Driver) enqueue(dh *Handle, sdi *Request, capacity int) *Error {
	var free *slot
	for i := range sf.slots {
		s := &sf.slots[i]
		if s.sdi.Addr == sdi.Addr {
			return errSensorBusy
		}
		if free == nil && s.sdi.Addr == 0 {
			free = s
		}
	}
	if free == nil {
		return errTooManyRequests
	}

	delay, measurements, e := sf.startMeasurement(sdi)
	if e != nil {
		return e
	}
	if measurements < capacity {
		capacity = measurements
	}

	free.dh = *dh
	free.sdi = *sdi
	free.dh.Impl = &free.sdi
	free.dh.DataCount = capacity
	wait := time.Duration(delay) * time.Second
	if sdi.MaxWait > 0 && wait > sdi.MaxWait {
		wait = sdi.MaxWait
	}
	free.deadline = time.Now().Add(wait)
	if free.tm == nil {
		s := free
		free.tm = timing.NewTimer()
		free.tm.WithJobFunc(func() {
			select {
			case <-sf.ctx.Done():
			case sf.ready <- s:
			}
		})
	}
	timing.Add(free.tm, wait)
	return nil
}

// collect is the collector loop: it runs for the driver's lifetime,
// wakes on each session whose deadline elapsed and claims the bus to
// read its data. Sessions come through the ready channel in deadline
// order.
func (sf *SDI12Driver) collect() {
	for {
		select {
		case <-sf.ctx.Done():
			return
		case s := <-sf.ready:
			sf.collectSlot(s)
		}
	}
}

// collectSlot reads the data of one elapsed session with D0!, frees
// the slot and fires the user callback.
func (sf *SDI12Driver) collectSlot(s *slot) {
	if e := sf.acquire(); e != nil {
		// a synchronous operation still owns the bus; come back
		timing.Add(s.tm, collectRetryDelay)
		return
	}
	atomic.StoreUint32(&sf.aborted, 0)

	s.sdi.Method = Data
	s.sdi.Index = 0
	parsed, e := sf.getData(&s.sdi, &s.dh, s.dh.DataCount)

	// hand the results off and free the slot before dropping the lock
	dh := s.dh
	sdi := s.sdi
	dh.Impl = &sdi
	dh.DataCount = parsed
	dh.Date = time.Now()
	s.sdi.Addr = 0

	sf.release()

	if e == nil && parsed == 0 {
		e = errNoSensorData
	}
	if e != nil {
		sf.lastErr.Store(e)
		sf.Errorf("collect %c: %s", sdi.Addr, e.Text)
	} else {
		sf.lastErr.Store(errOk)
	}
	if dh.Callback != nil {
		dh.Callback(&dh)
	}
}
