package tunnel

import (
	"bytes"
	"errors"
	"io"
	"math/rand/v2"
	"testing"

	"github.com/tis24dev/datadance/internal/types"
)

// testWorkFactor keeps scrypt fast in tests.
const testWorkFactor = 10

func testPassword(pw string) Encryption {
	return Encryption{Password: types.NewSensitiveString(pw), WorkFactor: testWorkFactor}
}

func samplePayload(size int) []byte {
	rng := rand.New(rand.NewPCG(1, 2))
	data := make([]byte, size)
	for i := range data {
		// Half random, half repetitive, so compression has something to do.
		if i%2 == 0 {
			data[i] = byte(rng.IntN(256))
		} else {
			data[i] = 'a'
		}
	}
	return data
}

func encode(t *testing.T, enc Encoder, input []byte) []byte {
	t.Helper()
	var out bytes.Buffer
	if err := enc.Transfer(bytes.NewReader(input), &out); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return out.Bytes()
}

func TestRoundTripAllLevels(t *testing.T) {
	inputs := map[string][]byte{
		"empty": {},
		"small": []byte("hello tunnel"),
		"large": samplePayload(256 << 10),
	}
	encryptions := map[string]Encryption{
		"plain":     {},
		"encrypted": testPassword("123456"),
	}

	for inputName, input := range inputs {
		for encName, encryption := range encryptions {
			for _, level := range types.CompressionLevels {
				t.Run(inputName+"/"+encName+"/"+level.String(), func(t *testing.T) {
					encoded := encode(t, Encoder{Compression: level, Encryption: encryption}, input)

					var decoded bytes.Buffer
					dec := Decoder{Compression: level, Encryption: encryption}
					if err := dec.Transfer(bytes.NewReader(encoded), &decoded); err != nil {
						t.Fatalf("decode: %v", err)
					}
					if !bytes.Equal(decoded.Bytes(), input) {
						t.Fatalf("round trip mismatch: got %d bytes, want %d", decoded.Len(), len(input))
					}
				})
			}
		}
	}
}

func TestDecoderIgnoresConfiguredLevel(t *testing.T) {
	input := samplePayload(64 << 10)
	encoded := encode(t, Encoder{Compression: types.CompressionBest}, input)

	for _, level := range []types.CompressionLevel{types.CompressionBalanced, types.CompressionNone} {
		var out bytes.Buffer
		if err := (Decoder{Compression: level}).Transfer(bytes.NewReader(encoded), &out); err != nil {
			t.Fatalf("decode as %s: %v", level, err)
		}
		if !bytes.Equal(out.Bytes(), input) {
			t.Fatalf("decode as %s returned different bytes", level)
		}
	}
}

func TestBestCompressesBetterThanNone(t *testing.T) {
	input := bytes.Repeat([]byte("datadance "), 10000)
	none := encode(t, Encoder{Compression: types.CompressionNone}, input)
	best := encode(t, Encoder{Compression: types.CompressionBest}, input)
	if len(best) >= len(none) {
		t.Fatalf("best (%d bytes) not smaller than none (%d bytes)", len(best), len(none))
	}
	if len(none) < len(input) {
		t.Fatalf("none should store data uncompressed: %d < %d", len(none), len(input))
	}
}

func TestEncryptionMismatchFailsClosed(t *testing.T) {
	input := samplePayload(4096)
	encrypted := encode(t, Encoder{Compression: types.CompressionFast, Encryption: testPassword("123456")}, input)
	plain := encode(t, Encoder{Compression: types.CompressionFast}, input)

	tests := []struct {
		name    string
		encoded []byte
		dec     Decoder
	}{
		{"encrypted decoded without password", encrypted, Decoder{}},
		{"encrypted decoded with wrong password", encrypted, Decoder{Encryption: testPassword("654321")}},
		{"plain decoded as encrypted", plain, Decoder{Encryption: testPassword("123456")}},
		{"truncated ciphertext", encrypted[:len(encrypted)/2], Decoder{Encryption: testPassword("123456")}},
		{"truncated plain stream", plain[:len(plain)/2], Decoder{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := tt.dec.Transfer(bytes.NewReader(tt.encoded), &out)
			if err == nil {
				t.Fatal("expected an error")
			}
			var codecErr *CodecError
			if !errors.As(err, &codecErr) {
				t.Fatalf("expected CodecError, got %T: %v", err, err)
			}
			if bytes.Equal(out.Bytes(), input) {
				t.Fatal("mismatched decode produced the original bytes")
			}
		})
	}
}

func TestUnknownCompressionLevel(t *testing.T) {
	err := (Encoder{Compression: "Ultra"}).Transfer(bytes.NewReader(nil), io.Discard)
	if err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestPassThrough(t *testing.T) {
	var out bytes.Buffer
	if err := (PassThrough{}).Transfer(bytes.NewReader([]byte("abc")), &out); err != nil {
		t.Fatal(err)
	}
	if out.String() != "abc" {
		t.Fatalf("got %q", out.String())
	}
}
