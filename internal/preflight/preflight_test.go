package preflight

import (
	"context"
	"net"
	"testing"
)

func TestProbePortsSucceedsWhenFree(t *testing.T) {
	// Bind an ephemeral port, close it, then immediately reprobe the
	// address; in the overwhelming majority of environments it remains
	// free long enough for the probe to succeed.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	if err := ProbePorts(context.Background(), map[string]string{"test": addr}); err != nil {
		t.Fatalf("expected free port to pass preflight, got %v", err)
	}
}

func TestProbePortsReportsOffenderWhenInUse(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	addr := l.Addr().String()

	err = ProbePorts(context.Background(), map[string]string{"busy": addr})
	if err == nil {
		t.Fatal("expected preflight to report the bound port as unavailable")
	}
}

func TestProbeBinaryMissing(t *testing.T) {
	found, path := ProbeBinary("definitely-not-a-real-binary-xyz")
	if found {
		t.Fatalf("expected binary not found, got path %q", path)
	}
}

func TestProbeBinaryPresent(t *testing.T) {
	found, path := ProbeBinary("ls")
	if !found {
		t.Skip("ls not on PATH in this environment")
	}
	if path == "" {
		t.Fatal("expected a resolved path")
	}
}
