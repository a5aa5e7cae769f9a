package dacq

const (
	// longest legal frame, address, CRC and CR/LF included
	longestFrame = 84

	crlf = "\r\n"
)

// validAddress reports whether addr is a legal SDI-12 sensor address.
func validAddress(addr byte) bool {
	return addr >= '0' && addr <= '9' ||
		addr >= 'A' && addr <= 'Z' ||
		addr >= 'a' && addr <= 'z'
}

// buildMeasurement assembles a start-measurement command into buf and
// returns its length:
//
//	M: aM! aMC! aMn! aMCn!    C: aC! aCC! aCn! aCCn!
//	R: aRn! aRCn!             V: aV!
//
// The verify command has no CRC or index variants; the continuous
// command always carries its index digit.
func buildMeasurement(buf []byte, r *Request) (int, *Error) {
	if r.Index > 9 || !validAddress(r.Addr) {
		return 0, errInvalidIndex
	}

	n := 0
	buf[n] = r.Addr
	n++
	buf[n] = byte(r.Method)
	n++
	if r.Method != Verify {
		if r.UseCRC {
			buf[n] = 'C'
			n++
		}
		if r.Index != 0 || r.Method == Continuous {
			buf[n] = '0' + r.Index
			n++
		}
	}
	buf[n] = '!'
	n++
	return n, nil
}

// buildData assembles a send-data command aDn! into buf.
func buildData(buf []byte, addr byte, request byte) int {
	buf[0] = addr
	buf[1] = byte(Data)
	buf[2] = request
	buf[3] = '!'
	return 4
}

// parseHeader extracts the response delay (seconds) and the number of
// values available from a measurement answer atttn / atttnn / atttnnn,
// terminator included.
func parseHeader(resp []byte, addr byte) (delay int, measurements int, err *Error) {
	// at least address, delay, one count digit and the terminator
	if len(resp) < 7 || resp[0] != addr {
		return 0, 0, errUnexpectedAnswer
	}
	delay, ok := atoiField(resp[1:4])
	if !ok {
		return 0, 0, errUnexpectedAnswer
	}
	measurements, ok = atoiField(resp[4 : len(resp)-2])
	if !ok {
		return 0, 0, errUnexpectedAnswer
	}
	return delay, measurements, nil
}

// atoiField converts an all-digit field.
func atoiField(b []byte) (int, bool) {
	if len(b) == 0 {
		return 0, false
	}
	n := 0
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}

// parseValues parses a data frame a<±value><±value>...[ccc]<CR><LF>
// into data and returns the number of values produced. When useCRC is
// set the three CRC characters preceding the terminator are validated
// against the rest of the frame. Values beyond len(data) are dropped.
func parseValues(frame []byte, addr byte, useCRC bool, data []float32) (int, *Error) {
	if len(frame) < 3 || frame[0] != addr {
		return 0, errUnexpectedAnswer
	}
	body := frame[:len(frame)-2] // strip CR LF
	if useCRC {
		if len(body) < 4 {
			return 0, errCrc
		}
		var ccc [3]byte
		copy(ccc[:], body[len(body)-3:])
		if crc16(body[:len(body)-3]) != decodeCRC(ccc) {
			return 0, errCrc
		}
		body = body[:len(body)-3]
	}
	body = body[1:] // strip address

	count := 0
	for cursor := 0; cursor < len(body); {
		v, adv := parseFloat(body[cursor:])
		if adv == 0 {
			return count, errConversionToFloat
		}
		cursor += adv
		if count < len(data) {
			data[count] = v
			count++
		} else {
			break
		}
	}
	return count, nil
}

// parseFloat converts the signed decimal at the head of b and returns
// the value together with the number of bytes consumed. A zero advance
// means nothing was parsed; that is how a genuine 0.0 is told apart
// from a conversion failure. Locale independent.
func parseFloat(b []byte) (float32, int) {
	i := 0
	neg := false
	if i < len(b) && (b[i] == '+' || b[i] == '-') {
		neg = b[i] == '-'
		i++
	}

	digits := 0
	val := 0.0
	for i < len(b) && b[i] >= '0' && b[i] <= '9' {
		val = val*10 + float64(b[i]-'0')
		digits++
		i++
	}
	if i < len(b) && b[i] == '.' {
		i++
		div := 1.0
		for i < len(b) && b[i] >= '0' && b[i] <= '9' {
			div *= 10
			val += float64(b[i]-'0') / div
			digits++
			i++
		}
	}
	if digits == 0 {
		return 0, 0
	}
	if neg {
		val = -val
	}
	return float32(val), i
}
