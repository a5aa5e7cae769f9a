package dacq

import (
	"time"

	"golang.org/x/sync/errgroup"
)

// ctrl-X from the client terminates a direct session
const directExit = 0x18

// Direct wires the client stream to the serial port in both directions
// until the client sends Ctrl-X or nothing arrives from it for
// idleTimeout. The bus is held for the whole session.
func (sf *SDI12Driver) Direct(conn DeadlineReadWriter, idleTimeout time.Duration) error {
	if !sf.isConnected() {
		return sf.fail(errInitialisationRequired)
	}
	if e := sf.acquire(); e != nil {
		return sf.fail(e)
	}
	defer sf.release()

	var g errgroup.Group
	done := make(chan struct{})

	// port -> client
	g.Go(func() error {
		buf := make([]byte, 512)
		for {
			select {
			case <-done:
				return nil
			default:
			}
			n, err := sf.port.Read(buf) // returns 0 on timeout
			if err != nil {
				return errTtyError
			}
			if n > 0 {
				if _, err = conn.Write(buf[:n]); err != nil {
					return nil // client went away
				}
			}
		}
	})

	// client -> port
	g.Go(func() error {
		defer close(done)
		buf := make([]byte, 512)
		for {
			conn.SetReadDeadline(time.Now().Add(idleTimeout))
			n, err := conn.Read(buf)
			if err != nil {
				return nil // idle timeout or client gone
			}
			if n > 0 {
				if n <= 3 && buf[0] == directExit {
					return nil
				}
				if _, err = sf.port.Write(buf[:n]); err != nil {
					return errTtyError
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		return sf.fail(errTtyError)
	}
	sf.forceBreak() // the session may have left a sensor mid-dialog
	return sf.done()
}
