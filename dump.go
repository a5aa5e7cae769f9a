package dacq

import (
	"fmt"
	"time"
)

// SetDumpFn installs an observer receiving one formatted line per wire
// event, time-stamped relative to the start of the running operation.
func (sf *SDI12Driver) SetDumpFn(fn DumpFunc) {
	sf.dumpFn.Store(fn)
}

// UnsetDumpFn removes the observer.
func (sf *SDI12Driver) UnsetDumpFn() {
	sf.dumpFn.Store(DumpFunc(nil))
}

// dumpf emits one wire event line. The dump runs on the thread holding
// the bus, so events from concurrent callers never interleave.
func (sf *SDI12Driver) dumpf(format string, v ...interface{}) {
	fn, _ := sf.dumpFn.Load().(DumpFunc)
	if fn == nil {
		return
	}
	fn(fmt.Sprintf("%8.3f  ", time.Since(sf.origin).Seconds()) + fmt.Sprintf(format, v...))
}
