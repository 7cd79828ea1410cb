package transport

import (
	"testing"

	"github.com/picola-go/pla/pkg/laerr"
)

func TestNewEmptyConnStringIsConfigError(t *testing.T) {
	if _, err := New(""); laerr.KindOf(err) != laerr.KindConfig {
		t.Fatalf("New(\"\") kind = %v, want ConfigError", laerr.KindOf(err))
	}
}

func TestNewNetworkParsing(t *testing.T) {
	tr, err := New("192.168.1.50:8080")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if tr.Kind() != KindNetwork {
		t.Errorf("Kind() = %v, want KindNetwork", tr.Kind())
	}
	if tr.Identity() != "192.168.1.50:8080" {
		t.Errorf("Identity() = %q, want %q", tr.Identity(), "192.168.1.50:8080")
	}
}

func TestNewSerialParsing(t *testing.T) {
	tr, err := New("/dev/ttyACM0")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if tr.Kind() != KindSerial {
		t.Errorf("Kind() = %v, want KindSerial", tr.Kind())
	}
	if tr.Identity() != "/dev/ttyACM0" {
		t.Errorf("Identity() = %q, want %q", tr.Identity(), "/dev/ttyACM0")
	}
}

func TestNewRejectsBadPort(t *testing.T) {
	if _, err := New("host:notaport"); laerr.KindOf(err) != laerr.KindConfig {
		t.Fatalf("New(host:notaport) kind = %v, want ConfigError", laerr.KindOf(err))
	}
}

func TestNewRejectsPortOutOfRange(t *testing.T) {
	if _, err := New("host:70000"); laerr.KindOf(err) != laerr.KindConfig {
		t.Fatalf("New(host:70000) kind = %v, want ConfigError", laerr.KindOf(err))
	}
}
