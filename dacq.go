/*!
 * Constants which define the format of an SDI-12 frame. The bus runs at
 * 1200 baud, 7 data bits, even parity, one stop bit, half-duplex; a
 * prolonged spacing (break) re-wakes sleeping sensors and synchronizes
 * the start of a frame.
 *
 * <code>
 * <--------------------- SDI-12 COMMAND ---------------------->
 *  +-----------+------------------------------------+---------+
 *  | Address   | Body (M/C/R/V/D/A/I + variants)    |   '!'   |
 *  +-----------+------------------------------------+---------+
 *
 * <--------------------- SDI-12 RESPONSE --------------------->
 *  +-----------+--------------------------+---------+---------+
 *  | Address   | Body                     | [CRC]   | CR LF   |
 *  +-----------+--------------------------+---------+---------+
 *
 *  Address ... one ASCII character, '0'-'9', 'A'-'Z' or 'a'-'z'
 *  CRC     ... three printable ASCII bytes, 6 bits each, MSB first,
 *              present only on responses to the CRC command variants
 *  Longest legal frame: 84 bytes, terminator included
 * </code>
 */

/*
Package dacq provides a generic data-acquisition contract for serial
sensor protocols and its SDI-12 v1.3 data-recorder (master side)
implementation.
*/
package dacq

import (
	"io"
	"time"

	"go.bug.st/serial"
)

// Method selects the measurement command family of a request.
type Method byte

// measurement command families
const (
	Measure    Method = 'M'
	Concurrent Method = 'C'
	Continuous Method = 'R'
	Verify     Method = 'V'
	Data       Method = 'D'
)

// per-value status codes reported through Handle.Status
const (
	StatusOK          uint8 = 0
	StatusMissing     uint8 = 1
	StatusImplausible uint8 = 2
)

// Request identifies one measurement request on the bus.
type Request struct {
	// Addr is the sensor address, '0'-'9', 'A'-'Z' or 'a'-'z'.
	Addr byte
	// Method is the measurement command family.
	Method Method
	// Index 0..9 selects the additional command variants (M1..M9,
	// C1..C9, R0..R9).
	Index uint8
	// UseCRC requests the CRC command variants and enables CRC
	// checking on the received data.
	UseCRC bool
	// MaxWait caps the time waited for a concurrent session's data,
	// whatever delay the sensor announces. Zero means no cap.
	MaxWait time.Duration
}

// Handle aggregates one acquisition. Data and Status are caller-owned
// parallel arrays; DataCount is the capacity on input and the number of
// values actually produced on output.
type Handle struct {
	Date        time.Time
	Data        []float32
	Status      []uint8
	DataCount   int
	Impl        interface{} // protocol specific descriptor, *Request for SDI-12
	UserProcess interface{} // optional user cookie for the callback
	Callback    func(*Handle) bool
}

// DumpFunc receives one pre-formatted line per wire event (break, tx,
// rx, timeout, write failure). It runs on the thread holding the bus
// and must not re-enter the driver.
type DumpFunc func(line string)

// DeadlineReadWriter is the client stream wired to the port by Direct.
// net.Conn satisfies it.
type DeadlineReadWriter interface {
	io.ReadWriter
	SetReadDeadline(t time.Time) error
}

// Driver is the uniform acquisition contract implemented by the SDI-12
// engine and shareable by other serial sensor protocols.
type Driver interface {
	// Open opens and configures the serial device.
	Open(baudRate, dataBits int, parity serial.Parity, recTimeout time.Duration) error
	// Close releases the serial device and stops background workers.
	Close() error
	// GetVersion reports the driver version.
	GetVersion() (major, minor, patch int)
	// GetInfo reads the sensor identification into info and returns
	// its length.
	GetInfo(addr byte, info []byte) (int, error)
	// ChangeID changes a sensor's bus address.
	ChangeID(addr, newAddr byte) error
	// Transparent sends xfer[:length] verbatim and returns the raw
	// response in xfer along with its length.
	Transparent(xfer []byte, length int) (int, error)
	// Retrieve runs one acquisition described by the handle.
	Retrieve(dh *Handle) error
	// Abort cooperatively cancels an acquisition in flight.
	Abort() error
	// IsBusy reports whether a transaction currently owns the bus.
	IsBusy() bool
	// LastError returns the error record of the last failed call.
	LastError() *Error
	// Direct wires a client stream to the port until the client sends
	// Ctrl-X or the idle timeout expires.
	Direct(conn DeadlineReadWriter, idleTimeout time.Duration) error

	// optional capabilities, default to unsupported
	SetAcqInterval(interval time.Duration) error
	GetAcqInterval() (time.Duration, error)
	SetDate(date time.Time) error
	GetDate() (time.Time, error)

	SetDumpFn(fn DumpFunc)
	UnsetDumpFn()
	// LogMode set enable or disable log output when you have set logger
	LogMode(enable bool)
}

// Base supplies the default implementations of the optional Driver
// capabilities; protocol drivers embed it and override what they
// support.
type Base struct{}

// SetAcqInterval is unsupported by default.
func (Base) SetAcqInterval(time.Duration) error { return errSetAcqInterval }

// GetAcqInterval is unsupported by default.
func (Base) GetAcqInterval() (time.Duration, error) { return 0, errSetAcqInterval }

// SetDate is unsupported by default.
func (Base) SetDate(time.Time) error { return errSetTime }

// GetDate is unsupported by default.
func (Base) GetDate() (time.Time, error) { return time.Time{}, errSetTime }

// Abort is a no-op for drivers without cancellable acquisitions.
func (Base) Abort() error { return nil }
