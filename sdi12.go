package dacq

import (
	"bytes"
	"context"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

// driver version
const (
	versionMajor = 1
	versionMinor = 0
	versionPatch = 0
)

const (
	// one character takes 10 bit times at 1200 baud 7E1
	charTime = 8334 * time.Microsecond
	// a sensor may go to sleep once the bus has been idle for ~87 ms;
	// past this threshold the next command is preceded by a break
	busSleepThreshold = 85 * time.Millisecond
	// marking time between a break and the first command character
	markingTime = 10 * time.Millisecond
	// line settling time after a complete frame
	settlingTime = 20 * time.Millisecond
	// read timeout while polling for a service request
	serviceRequestTimeout = time.Second
	// extra wait when the announced delay elapsed without a service request
	serviceRequestGrace = 500 * time.Millisecond
	// timeout to wait on an already running transaction
	lockTimeout = 2 * time.Second
	// attempts for one command/response exchange
	transactionRetries = 3
	// attempts forcing a break between them
	retriesWithBreak = 3
)

// DefaultMaxConcurrent default size of the concurrent request table
const DefaultMaxConcurrent = 10

// SDI12Driver implements Driver for SDI-12 v1.3, master side. One
// instance owns one serial bus; all transactions on the wire are
// serialized through its bus lock.
type SDI12Driver struct {
	Base
	serialPort
	logger

	// bus lock; the holder owns the wire, lastAddr and lastTime
	lock     chan struct{}
	lastAddr byte
	// monotonic timestamp of the last byte on the wire; the zero
	// value forces a break
	lastTime time.Time
	// reference for the dump log, captured when an external
	// operation claims the bus
	origin   time.Time
	breakLen time.Duration

	aborted uint32
	lastErr atomic.Pointer[Error]
	dumpFn  atomic.Value // DumpFunc

	maxConcurrent int
	slots         []slot
	ready         chan *slot
	ctx           context.Context
	cancel        context.CancelFunc
}

// check SDI12Driver implements the Driver contract
var _ Driver = (*SDI12Driver)(nil)

// NewSDI12Driver allocates and initializes a driver bound to the named
// serial device. When the concurrent table is enabled (the default) the
// collector goroutine runs until Close.
func NewSDI12Driver(device string, opts ...Option) *SDI12Driver {
	ctx, cancel := context.WithCancel(context.Background())
	sf := &SDI12Driver{
		logger:        newLogger("sdi12 => "),
		lock:          make(chan struct{}, 1),
		lastAddr:      '?',
		breakLen:      DefaultBreakLength,
		maxConcurrent: DefaultMaxConcurrent,
		ctx:           ctx,
		cancel:        cancel,
	}
	sf.device = device
	sf.opener = serial.Open
	sf.lastErr.Store(errOk)
	for _, opt := range opts {
		opt(sf)
	}
	if sf.maxConcurrent > 0 {
		sf.slots = make([]slot, sf.maxConcurrent)
		sf.ready = make(chan *slot, sf.maxConcurrent)
		go sf.collect()
	}
	return sf
}

// Open opens the serial device, 1200 baud 7E1 for a standard bus.
func (sf *SDI12Driver) Open(baudRate, dataBits int, parity serial.Parity, recTimeout time.Duration) error {
	if e := sf.serialPort.open(baudRate, dataBits, parity, recTimeout); e != nil {
		return sf.fail(e)
	}
	return sf.done()
}

// Close stops the collector and releases the serial device.
func (sf *SDI12Driver) Close() error {
	sf.cancel()
	return sf.serialPort.close()
}

// GetVersion reports the driver version.
func (sf *SDI12Driver) GetVersion() (major, minor, patch int) {
	return versionMajor, versionMinor, versionPatch
}

// IsBusy reports whether a transaction currently owns the bus.
func (sf *SDI12Driver) IsBusy() bool {
	return len(sf.lock) != 0
}

// LastError returns the record of the last failed call, errOk after a
// successful one.
func (sf *SDI12Driver) LastError() *Error {
	return sf.lastErr.Load()
}

// Abort requests cooperative cancellation of the acquisition in
// flight; it is honored at the next data frame boundary.
func (sf *SDI12Driver) Abort() error {
	atomic.StoreUint32(&sf.aborted, 1)
	return nil
}

// AckActive sends the acknowledge-active command a! and reports
// whether the sensor answered.
func (sf *SDI12Driver) AckActive(addr byte) error {
	if !validAddress(addr) {
		return sf.fail(errInvalidIndex)
	}
	if e := sf.acquire(); e != nil {
		return sf.fail(e)
	}
	defer sf.release()

	e := errUnexpectedAnswer
	var buf [8]byte
	for attempt := 0; attempt < retriesWithBreak; attempt++ {
		if attempt > 0 {
			sf.forceBreak()
		}
		buf[0] = addr
		buf[1] = '!'
		n, e2 := sf.transaction(buf[:], 2)
		if e2 != nil {
			e = e2
			continue
		}
		if n == 3 && buf[0] == addr && buf[1] == '\r' && buf[2] == '\n' {
			return sf.done()
		}
		e = errUnexpectedAnswer
	}
	return sf.fail(e)
}

// GetInfo sends aI! and copies the sensor identification (vendor,
// model, version, serial number) into info, without the leading
// address and the terminator. info must be larger than 36 bytes.
func (sf *SDI12Driver) GetInfo(addr byte, info []byte) (int, error) {
	if len(info) <= 36 {
		return 0, sf.fail(errBufferTooSmall)
	}
	if !validAddress(addr) {
		return 0, sf.fail(errInvalidIndex)
	}
	if e := sf.acquire(); e != nil {
		return 0, sf.fail(e)
	}
	defer sf.release()

	e := errUnexpectedAnswer
	for attempt := 0; attempt < retriesWithBreak; attempt++ {
		if attempt > 0 {
			sf.forceBreak()
		}
		info[0] = addr
		info[1] = 'I'
		info[2] = '!'
		n, e2 := sf.transaction(info, 3)
		if e2 != nil {
			e = e2
			continue
		}
		if n < 3 || info[0] != addr {
			e = errUnexpectedAnswer
			continue
		}
		end := bytes.Index(info[:n], []byte(crlf))
		if end < 0 {
			e = errUnexpectedAnswer
			continue
		}
		copy(info, info[1:end])
		sf.done()
		return end - 1, nil
	}
	return 0, sf.fail(e)
}

// ChangeID moves a sensor from addr to newAddr with aAb!.
func (sf *SDI12Driver) ChangeID(addr, newAddr byte) error {
	if !validAddress(addr) || !validAddress(newAddr) {
		return sf.fail(errInvalidIndex)
	}
	if e := sf.acquire(); e != nil {
		return sf.fail(e)
	}
	defer sf.release()

	e := errUnexpectedAnswer
	var buf [8]byte
	for attempt := 0; attempt < retriesWithBreak; attempt++ {
		if attempt > 0 {
			sf.forceBreak()
		}
		buf[0] = addr
		buf[1] = 'A'
		buf[2] = newAddr
		buf[3] = '!'
		n, e2 := sf.transaction(buf[:], 4)
		if e2 != nil {
			e = e2
			continue
		}
		if n == 3 && buf[0] == newAddr {
			return sf.done()
		}
		e = errUnexpectedAnswer
	}
	return sf.fail(e)
}

// Transparent sends xfer[:length] verbatim and returns the raw
// response, terminator included, in xfer. The usable capacity is
// clamped to the longest legal frame.
func (sf *SDI12Driver) Transparent(xfer []byte, length int) (int, error) {
	if length <= 0 || length > len(xfer) {
		return 0, sf.fail(errBufferTooSmall)
	}
	buf := xfer
	if len(buf) > longestFrame {
		buf = buf[:longestFrame]
	}
	if length > len(buf) {
		return 0, sf.fail(errBufferTooSmall)
	}
	save := make([]byte, length)
	copy(save, buf[:length])

	if e := sf.acquire(); e != nil {
		return 0, sf.fail(e)
	}
	defer sf.release()

	var e *Error
	for attempt := 0; attempt < retriesWithBreak; attempt++ {
		if attempt > 0 {
			sf.forceBreak()
			copy(buf, save)
		}
		var n int
		n, e = sf.transaction(buf, length)
		if e == nil {
			sf.done()
			return n, nil
		}
	}
	return 0, sf.fail(e)
}

// Retrieve runs one acquisition. The handle's Impl must hold a
// *Request describing the sensor and the method. For the concurrent
// method with an enabled collector the call returns as soon as the
// measurement was started; the callback fires when the data arrived.
func (sf *SDI12Driver) Retrieve(dh *Handle) error {
	sdi, ok := dh.Impl.(*Request)
	if !ok || sdi == nil {
		return sf.fail(errInitialisationRequired)
	}
	if sdi.Index > 9 {
		return sf.fail(errInvalidIndex)
	}
	if !validAddress(sdi.Addr) {
		return sf.fail(errInvalidIndex)
	}
	capacity := dh.DataCount
	if capacity > len(dh.Data) {
		capacity = len(dh.Data)
	}
	if capacity > len(dh.Status) {
		capacity = len(dh.Status)
	}

	if e := sf.acquire(); e != nil {
		return sf.fail(e)
	}
	atomic.StoreUint32(&sf.aborted, 0)
	for i := 0; i < capacity; i++ {
		dh.Status[i] = StatusMissing
	}

	if sdi.Method == Concurrent && sf.maxConcurrent > 0 {
		e := sf.enqueue(dh, sdi, capacity)
		sf.release()
		if e != nil {
			return sf.fail(e)
		}
		return sf.done()
	}
	defer sf.release()

	target := capacity
	if sdi.Method != Continuous {
		delay, measurements, e := sf.startMeasurement(sdi)
		if e != nil {
			return sf.fail(e)
		}
		if measurements < target {
			target = measurements
		}
		if sdi.Method == Concurrent {
			// no collector: fall back to the synchronous protocol,
			// sleep out the announced delay
			time.Sleep(time.Duration(delay) * time.Second)
			sf.flush()
		} else if delay > 0 {
			if e = sf.waitForServiceRequest(sdi.Addr, delay); e != nil {
				return sf.fail(e)
			}
		}
	}

	parsed, e := sf.getData(sdi, dh, target)
	dh.DataCount = parsed
	dh.Date = time.Now()
	if e == nil && parsed == 0 {
		e = errNoSensorData
	}
	if dh.Callback != nil {
		dh.Callback(dh)
	}
	if e != nil {
		return sf.fail(e)
	}
	return sf.done()
}

// ------------------------------------------------------------------

// acquire claims the bus, waiting at most lockTimeout on a running
// transaction, and captures the dump origin.
func (sf *SDI12Driver) acquire() *Error {
	select {
	case sf.lock <- struct{}{}:
		sf.origin = time.Now()
		return nil
	case <-time.After(lockTimeout):
		return errDacqBusy
	}
}

func (sf *SDI12Driver) release() {
	<-sf.lock
}

// forceBreak makes the next transaction start with a break.
func (sf *SDI12Driver) forceBreak() {
	sf.lastTime = time.Time{}
}

// transaction performs one command/response exchange: buf[:cmdLen] out,
// the response back into buf. Returns the response length, terminator
// included. Caller holds the bus lock.
func (sf *SDI12Driver) transaction(buf []byte, cmdLen int) (int, *Error) {
	if sf.port == nil {
		return 0, errInitialisationRequired
	}

	// a sensor that was not addressed last, or that saw the bus idle
	// past the sleep threshold, needs a break to wake up
	if sf.lastAddr != buf[0] || time.Since(sf.lastTime) > busSleepThreshold {
		start := time.Since(sf.origin)
		if err := sf.sendBreak(sf.breakLen); err != nil {
			return 0, errTtyError
		}
		sf.dumpf("break %.3f..%.3f", start.Seconds(), time.Since(sf.origin).Seconds())
	}
	sf.lastAddr = buf[0]

	time.Sleep(markingTime)
	sf.flush()

	capacity := len(buf)
	if capacity > longestFrame {
		capacity = longestFrame
	}
	scratch := make([]byte, 0, longestFrame)
	chunk := make([]byte, longestFrame)

	for retries := transactionRetries; retries > 0; retries-- {
		sf.Debugf("sending %q", buf[:cmdLen])
		sf.dumpf("tx %q", buf[:cmdLen])
		txEnd := time.Now().Add(time.Duration(cmdLen) * charTime)
		if _, err := sf.port.Write(buf[:cmdLen]); err != nil {
			sf.dumpf("write failed")
			return 0, errTtyError
		}
		time.Sleep(time.Until(txEnd))
		sf.lastTime = time.Now()

		scratch = scratch[:0]
		for {
			n, err := sf.port.Read(chunk)
			if err != nil {
				return 0, errTtyError
			}
			if n == 0 {
				sf.dumpf("timeout")
				break
			}
			scratch = append(scratch, chunk[:n]...)
			if len(scratch) >= 2 && bytes.HasSuffix(scratch, []byte(crlf)) {
				sf.lastTime = time.Now()
				sf.dumpf("rx %q", scratch)
				sf.Debugf("received %q", scratch)
				// let the line settle before the next command
				time.Sleep(settlingTime)
				if len(scratch) > capacity {
					scratch = scratch[:capacity]
				}
				return copy(buf, scratch), nil
			}
			if len(scratch) >= longestFrame {
				// runaway frame, resync
				break
			}
		}
	}
	return 0, errTimeout
}

// startMeasurement issues the M/C/V command for the request and parses
// the atttn(nn) answer into the response delay and the announced value
// count. Retries with a forced break on a bad answer.
func (sf *SDI12Driver) startMeasurement(sdi *Request) (delay int, measurements int, err *Error) {
	var buf [32]byte

	e := errUnexpectedAnswer
	for attempt := 0; attempt < retriesWithBreak; attempt++ {
		if attempt > 0 {
			sf.forceBreak()
		}
		cmdLen, e2 := buildMeasurement(buf[:], sdi)
		if e2 != nil {
			return 0, 0, e2
		}
		n, e2 := sf.transaction(buf[:], cmdLen)
		if e2 != nil {
			e = e2
			continue
		}
		delay, measurements, e2 = parseHeader(buf[:n], sdi.Addr)
		if e2 != nil {
			e = e2
			continue
		}
		return delay, measurements, nil
	}
	return 0, 0, e
}

// waitForServiceRequest polls the bus for up to the announced delay for
// the unsolicited a<CR><LF> a sensor sends when its data is ready
// early. Both a received service request and an expired delay continue
// to the data frames; the following D0! tells them apart. Caller holds
// the bus lock.
func (sf *SDI12Driver) waitForServiceRequest(addr byte, delay int) *Error {
	prev, e := sf.setReadTimeout(serviceRequestTimeout)
	if e != nil {
		return e
	}

	var buf [4]byte
	got := false
	for i := delay; i > 0; i-- {
		n, err := sf.port.Read(buf[:])
		if err != nil {
			sf.setReadTimeout(prev)
			return errTtyError
		}
		if n > 0 {
			if buf[0] == addr {
				sf.lastTime = time.Now()
				sf.lastAddr = addr
				got = true
			}
			break
		}
	}
	if !got {
		time.Sleep(serviceRequestGrace)
	}

	if _, e = sf.setReadTimeout(prev); e != nil {
		return e
	}
	return nil
}

// getData collects data frames until target values were parsed, the
// request index passes 9, or the sensor runs dry. For the continuous
// method a single aRn! exchange delivers everything. Returns the
// number of values produced; a partial harvest is not an error. Caller
// holds the bus lock.
func (sf *SDI12Driver) getData(sdi *Request, dh *Handle, target int) (int, *Error) {
	parsed := 0
	request := byte('0')
	if sdi.Method == Continuous {
		request = '0' + sdi.Index
	}
	var buf [longestFrame]byte

	for parsed < target && request <= '9' {
		if atomic.LoadUint32(&sf.aborted) == 1 {
			return parsed, errAborted
		}

		count := 0
		e := errUnexpectedAnswer
		for attempt := 0; attempt < retriesWithBreak; attempt++ {
			if attempt > 0 {
				sf.forceBreak()
			}
			var cmdLen int
			if sdi.Method == Continuous {
				r := *sdi
				r.Index = request - '0'
				cmdLen, e = buildMeasurement(buf[:], &r)
				if e != nil {
					return parsed, e
				}
			} else {
				cmdLen = buildData(buf[:], sdi.Addr, request)
			}
			n, e2 := sf.transaction(buf[:], cmdLen)
			if e2 != nil {
				e = e2
				continue
			}
			count, e2 = parseValues(buf[:n], sdi.Addr, sdi.UseCRC, dh.Data[parsed:target])
			if e2 != nil {
				e = e2
				continue
			}
			e = nil
			break
		}
		if e != nil {
			if parsed > 0 {
				// partial harvest, the rest stays missing
				return parsed, nil
			}
			return 0, e
		}
		for i := 0; i < count; i++ {
			dh.Status[parsed+i] = StatusOK
		}
		parsed += count
		if count == 0 || sdi.Method == Continuous {
			// an empty frame means the sensor has nothing more
			break
		}
		request++
	}
	return parsed, nil
}

// fail records the error and hands it out.
func (sf *SDI12Driver) fail(e *Error) error {
	sf.lastErr.Store(e)
	sf.Errorf("%s", e.Text)
	return e
}

// done records success.
func (sf *SDI12Driver) done() error {
	sf.lastErr.Store(errOk)
	return nil
}
