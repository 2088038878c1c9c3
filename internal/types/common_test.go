package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
)

func TestSensitiveStringNeverPrintsValue(t *testing.T) {
	secret := NewSensitiveString("123456")

	if got := secret.String(); got != "?" {
		t.Fatalf("String() = %q, want ?", got)
	}
	if got := fmt.Sprintf("%v %s %#v", secret, secret, secret); strings.Contains(got, "123456") {
		t.Fatalf("formatted output leaked secret: %q", got)
	}

	payload, err := json.Marshal(struct {
		Password SensitiveString `json:"password"`
	}{secret})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(payload) != `{"password":"?"}` {
		t.Fatalf("unexpected JSON %s", payload)
	}
	if secret.Reveal() != "123456" {
		t.Fatalf("Reveal() = %q", secret.Reveal())
	}
}

func TestParseCompressionLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    CompressionLevel
		wantErr bool
	}{
		{"", CompressionBalanced, false},
		{"none", CompressionNone, false},
		{"FAST", CompressionFast, false},
		{"Best", CompressionBest, false},
		{"ultra", CompressionBalanced, true},
	}
	for _, tt := range tests {
		got, err := ParseCompressionLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseCompressionLevel(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Fatalf("ParseCompressionLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseLogLevel(t *testing.T) {
	if lvl, err := ParseLogLevel("debug"); err != nil || lvl != LogLevelDebug {
		t.Fatalf("ParseLogLevel(debug) = %v, %v", lvl, err)
	}
	if lvl, err := ParseLogLevel("3"); err != nil || lvl != LogLevelWarning {
		t.Fatalf("ParseLogLevel(3) = %v, %v", lvl, err)
	}
	if _, err := ParseLogLevel("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
