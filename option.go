package dacq

import (
	"time"
)

// Option configures an SDI12Driver.
type Option func(*SDI12Driver)

// WithLogProvider set logger provider.
func WithLogProvider(provider LogProvider) Option {
	return func(sf *SDI12Driver) {
		sf.SetLogProvider(provider)
	}
}

// WithEnableLogger enable log output when you have set logger.
func WithEnableLogger() Option {
	return func(sf *SDI12Driver) {
		sf.LogMode(true)
	}
}

// WithBreakLength set the break duration. Values below the SDI-12
// minimum of 12 ms are raised to it.
func WithBreakLength(d time.Duration) Option {
	return func(sf *SDI12Driver) {
		if d < MinBreakLength {
			d = MinBreakLength
		}
		sf.breakLen = d
	}
}

// WithBreakFunc install a platform break hook for UARTs that cannot
// hold the line at spacing long enough.
func WithBreakFunc(fn BreakFunc) Option {
	return func(sf *SDI12Driver) {
		sf.breakFn = fn
	}
}

// WithMaxConcurrent set the size of the concurrent request table; 0
// disables the collector and the concurrent method falls back to the
// synchronous protocol.
func WithMaxConcurrent(n int) Option {
	return func(sf *SDI12Driver) {
		if n < 0 {
			n = 0
		}
		sf.maxConcurrent = n
	}
}
