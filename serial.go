package dacq

import (
	"sync"
	"time"

	"go.bug.st/serial"
)

const (
	// SerialDefaultTimeout default receive timeout
	SerialDefaultTimeout = 50 * time.Millisecond
	// DefaultBreakLength default break duration; SDI-12 requires the
	// line to be held at spacing for at least 12 ms
	DefaultBreakLength = 20 * time.Millisecond
	// MinBreakLength shortest break the standard allows
	MinBreakLength = 12 * time.Millisecond
)

// BreakFunc generates a line break of the given duration. It replaces
// the UART break when the hardware cannot hold the line at spacing long
// enough, e.g. bit-banging a GPIO while asserting RS-485 DE.
type BreakFunc func(d time.Duration) error

// serialPort has configuration and I/O controller.
type serialPort struct {
	device      string
	mode        serial.Mode
	readTimeout time.Duration
	mu          sync.Mutex
	port        serial.Port
	breakFn     BreakFunc
	// open hook, tests replace it with a mock port factory
	opener func(device string, mode *serial.Mode) (serial.Port, error)
}

// open acquires and configures the device. On failure the partially
// opened handle is released before returning.
func (sf *serialPort) open(baudRate, dataBits int, parity serial.Parity, recTimeout time.Duration) *Error {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if sf.port != nil {
		return errTtyInUse
	}
	sf.mode = serial.Mode{
		BaudRate: baudRate,
		DataBits: dataBits,
		Parity:   parity,
		StopBits: serial.OneStopBit,
	}
	port, err := sf.opener(sf.device, &sf.mode)
	if err != nil {
		return errTtyOpen
	}
	if err = port.SetReadTimeout(recTimeout); err != nil {
		port.Close()
		return errTtyAttr
	}
	sf.readTimeout = recTimeout
	sf.port = port
	return nil
}

// close releases the device.
func (sf *serialPort) close() error {
	var err error

	sf.mu.Lock()
	if sf.port != nil {
		err = sf.port.Close()
		sf.port = nil
	}
	sf.mu.Unlock()
	return err
}

func (sf *serialPort) isConnected() bool {
	sf.mu.Lock()
	b := sf.port != nil
	sf.mu.Unlock()
	return b
}

// setReadTimeout retunes the receive timeout and returns the previous
// value, so service-request polling can restore it.
func (sf *serialPort) setReadTimeout(d time.Duration) (time.Duration, *Error) {
	if sf.port == nil {
		return 0, errInitialisationRequired
	}
	prev := sf.readTimeout
	if err := sf.port.SetReadTimeout(d); err != nil {
		return prev, errTtyAttr
	}
	sf.readTimeout = d
	return prev, nil
}

// flush discards pending input.
func (sf *serialPort) flush() {
	if sf.port != nil {
		sf.port.ResetInputBuffer()
	}
}

// sendBreak holds the line at spacing for d, through the UART or the
// platform hook if one is installed.
func (sf *serialPort) sendBreak(d time.Duration) error {
	if sf.breakFn != nil {
		return sf.breakFn(d)
	}
	if sf.port == nil {
		return errInitialisationRequired
	}
	return sf.port.Break(d)
}
