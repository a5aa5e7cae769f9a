package dacq

import (
	"math"
	"testing"
)

func Test_buildMeasurement(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		want    string
		wantErr bool
	}{
		{"measure", Request{Addr: '0', Method: Measure}, "0M!", false},
		{"measure crc", Request{Addr: '0', Method: Measure, UseCRC: true}, "0MC!", false},
		{"measure indexed", Request{Addr: '0', Method: Measure, Index: 3}, "0M3!", false},
		{"measure indexed crc", Request{Addr: '0', Method: Measure, Index: 3, UseCRC: true}, "0MC3!", false},
		{"concurrent", Request{Addr: '5', Method: Concurrent}, "5C!", false},
		{"concurrent crc", Request{Addr: '5', Method: Concurrent, UseCRC: true}, "5CC!", false},
		{"concurrent indexed", Request{Addr: '5', Method: Concurrent, Index: 2}, "5C2!", false},
		{"concurrent indexed crc", Request{Addr: '5', Method: Concurrent, Index: 2, UseCRC: true}, "5CC2!", false},
		{"verify", Request{Addr: 'z', Method: Verify}, "zV!", false},
		{"verify ignores variants", Request{Addr: 'z', Method: Verify, Index: 4, UseCRC: true}, "zV!", false},
		{"continuous keeps index zero", Request{Addr: 'A', Method: Continuous}, "AR0!", false},
		{"continuous indexed", Request{Addr: 'A', Method: Continuous, Index: 5}, "AR5!", false},
		{"continuous indexed crc", Request{Addr: 'A', Method: Continuous, Index: 5, UseCRC: true}, "ARC5!", false},
		{"index out of range", Request{Addr: '0', Method: Measure, Index: 10}, "", true},
		{"bad address", Request{Addr: '!', Method: Measure}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf [32]byte
			n, err := buildMeasurement(buf[:], &tt.req)
			if (err != nil) != tt.wantErr {
				t.Errorf("buildMeasurement() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err != nil {
				if err.Num != InvalidIndex {
					t.Errorf("buildMeasurement() error num = %v, want %v", err.Num, InvalidIndex)
				}
				return
			}
			if got := string(buf[:n]); got != tt.want {
				t.Errorf("buildMeasurement() = %q, want %q", got, tt.want)
			}
		})
	}
}

func Test_buildData(t *testing.T) {
	var buf [8]byte
	n := buildData(buf[:], '3', '7')
	if got := string(buf[:n]); got != "3D7!" {
		t.Errorf("buildData() = %q, want %q", got, "3D7!")
	}
}

func Test_parseHeader(t *testing.T) {
	type want struct {
		delay int
		n     int
	}
	tests := []struct {
		name    string
		resp    string
		addr    byte
		want    want
		wantErr bool
	}{
		{"measure", "00013\r\n", '0', want{1, 3}, false},
		{"no delay", "00003\r\n", '0', want{0, 3}, false},
		{"long delay two digits", "013510\r\n", '0', want{135, 10}, false},
		{"concurrent three digits", "0001005\r\n", '0', want{1, 5}, false},
		{"wrong address", "10013\r\n", '0', want{}, true},
		{"too short", "0001\r\n", '0', want{}, true},
		{"garbled delay", "0XYZ3\r\n", '0', want{}, true},
		{"garbled count", "0001X\r\n", '0', want{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delay, n, err := parseHeader([]byte(tt.resp), tt.addr)
			if (err != nil) != tt.wantErr {
				t.Errorf("parseHeader() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err != nil {
				return
			}
			if delay != tt.want.delay || n != tt.want.n {
				t.Errorf("parseHeader() = (%v, %v), want (%v, %v)", delay, n, tt.want.delay, tt.want.n)
			}
		})
	}
}

func Test_parseFloat(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    float32
		wantAdv int
	}{
		{"positive", "+1.23", 1.23, 5},
		{"negative", "-2.5", -2.5, 4},
		{"stops at next sign", "-2.5+3", -2.5, 4},
		{"unsigned", "3.14", 3.14, 4},
		{"fraction only", "+.5", 0.5, 3},
		{"integer", "+42", 42, 3},
		{"genuine zero", "+0.0", 0, 4},
		{"empty", "", 0, 0},
		{"sign only", "+", 0, 0},
		{"sign then garbage", "+x", 0, 0},
		{"garbage", "abc", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, adv := parseFloat([]byte(tt.in))
			if adv != tt.wantAdv {
				t.Errorf("parseFloat() adv = %v, want %v", adv, tt.wantAdv)
				return
			}
			if math.Abs(float64(got-tt.want)) > 1e-5 {
				t.Errorf("parseFloat() = %v, want %v", got, tt.want)
			}
		})
	}
}

func Test_parseValues(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		addr    byte
		useCRC  bool
		cap     int
		want    []float32
		wantNum ErrNum
	}{
		{"three values", "0+1.23+4.56+7.89\r\n", '0', false, 10, []float32{1.23, 4.56, 7.89}, Ok},
		{"mixed signs", "0+1.5-2.5+3.25\r\n", '0', false, 10, []float32{1.5, -2.5, 3.25}, Ok},
		{"valid crc", "0+1.0+2.0KsD\r\n", '0', true, 10, []float32{1.0, 2.0}, Ok},
		{"corrupted crc", "0+1.0+2.0KsE\r\n", '0', true, 10, nil, CrcError},
		{"empty frame", "0\r\n", '0', false, 10, nil, Ok},
		{"capacity clamp", "0+1.23+4.56+7.89\r\n", '0', false, 2, []float32{1.23, 4.56}, Ok},
		{"wrong address", "1+1.0\r\n", '0', false, 10, nil, UnexpectedAnswer},
		{"conversion failure", "0+1.2x3\r\n", '0', false, 10, nil, ConversionToFloatError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := make([]float32, tt.cap)
			n, err := parseValues([]byte(tt.frame), tt.addr, tt.useCRC, data)
			if tt.wantNum != Ok {
				if err == nil || err.Num != tt.wantNum {
					t.Errorf("parseValues() error = %v, want num %v", err, tt.wantNum)
				}
				return
			}
			if err != nil {
				t.Errorf("parseValues() unexpected error = %v", err)
				return
			}
			if n != len(tt.want) {
				t.Errorf("parseValues() n = %v, want %v", n, len(tt.want))
				return
			}
			for i, w := range tt.want {
				if math.Abs(float64(data[i]-w)) > 1e-5 {
					t.Errorf("parseValues() data[%d] = %v, want %v", i, data[i], w)
				}
			}
		})
	}
}

func Test_validAddress(t *testing.T) {
	valid := []byte{'0', '9', 'A', 'Z', 'a', 'z'}
	invalid := []byte{'!', ' ', '?', '/', ':', '@', '[', '`', '{', 0}
	for _, a := range valid {
		if !validAddress(a) {
			t.Errorf("validAddress(%q) = false, want true", a)
		}
	}
	for _, a := range invalid {
		if validAddress(a) {
			t.Errorf("validAddress(%q) = true, want false", a)
		}
	}
}

func Test_atoiField(t *testing.T) {
	tests := []struct {
		in   string
		want int
		ok   bool
	}{
		{"005", 5, true},
		{"135", 135, true},
		{"0", 0, true},
		{"", 0, false},
		{"1x", 0, false},
	}
	for _, tt := range tests {
		got, ok := atoiField([]byte(tt.in))
		if got != tt.want || ok != tt.ok {
			t.Errorf("atoiField(%q) = (%v, %v), want (%v, %v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func Benchmark_parseValues(b *testing.B) {
	frame := []byte("0+1.23+4.56+7.89\r\n")
	data := make([]float32, 10)
	for i := 0; i < b.N; i++ {
		_, err := parseValues(frame, '0', false, data)
		if err != nil {
			b.Fatal(err)
		}
	}
}
