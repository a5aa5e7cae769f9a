package dacq

import (
	"testing"
)

func Test_crc16(t *testing.T) {
	type args struct {
		bs []byte
	}
	tests := []struct {
		name string
		args args
		want uint16
	}{
		// the 0+3.14 vector is the SDI-12 specification example
		{"spec example", args{[]byte("0+3.14")}, 0xfc5a},
		{"two values", args{[]byte("0+1.0+2.0")}, 0xbcc4},
		{"three values", args{[]byte("0+1.23+4.56+7.89")}, 0x3103},
		{"empty", args{nil}, 0x0000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := crc16(tt.args.bs); got != tt.want {
				t.Errorf("crc16() = %#04x, want %#04x", got, tt.want)
			}
		})
	}
}

func Test_encodeCRC(t *testing.T) {
	tests := []struct {
		name string
		crc  uint16
		want string
	}{
		{"spec example", 0xfc5a, "OqZ"},
		{"two values", 0xbcc4, "KsD"},
		{"three values", 0x3103, "CDC"},
		{"zero", 0x0000, "@@@"},
		{"all ones", 0xffff, "O\x7f\x7f"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := encodeCRC(tt.crc)
			if string(got[:]) != tt.want {
				t.Errorf("encodeCRC() = %q, want %q", got[:], tt.want)
			}
		})
	}
}

func Test_crcRoundTrip(t *testing.T) {
	for x := 0; x <= 0xffff; x++ {
		enc := encodeCRC(uint16(x))
		for _, c := range enc {
			if c < 0x40 {
				t.Fatalf("encodeCRC(%#04x) produced a non printable byte %#02x", x, c)
			}
		}
		if got := decodeCRC(enc); got != uint16(x) {
			t.Fatalf("decodeCRC(encodeCRC(%#04x)) = %#04x", x, got)
		}
	}
}

func Benchmark_crc16(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = crc16([]byte("0+1.23+4.56+7.89"))
	}
}
