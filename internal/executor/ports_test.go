package executor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
)

func TestAllocateReturnsPortInRange(t *testing.T) {
	a := NewPortAllocator(15001, 15020)

	port, err := a.Allocate(context.Background(), nil)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if port < 15001 || port > 15020 {
		t.Fatalf("port %d outside range", port)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("allocated port not bindable: %v", err)
	}
	ln.Close()
}

func TestAllocateSkipsUsedPorts(t *testing.T) {
	a := NewPortAllocator(15101, 15103)
	used := map[int]bool{15101: true, 15102: true}

	port, err := a.Allocate(context.Background(), used)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if port != 15103 {
		t.Fatalf("got %d, want the only unused port 15103", port)
	}
}

func TestAllocateExhaustion(t *testing.T) {
	a := NewPortAllocator(15201, 15202)
	used := map[int]bool{15201: true, 15202: true}

	if _, err := a.Allocate(context.Background(), used); !errors.Is(err, ErrNoFreePort) {
		t.Fatalf("want ErrNoFreePort, got %v", err)
	}
}

func TestAllocateSkipsBoundPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	bound := ln.Addr().(*net.TCPAddr).Port

	a := NewPortAllocator(bound, bound)
	if _, err := a.Allocate(context.Background(), nil); !errors.Is(err, ErrNoFreePort) {
		t.Fatalf("want ErrNoFreePort for occupied range, got %v", err)
	}
}

func TestAllocateReservesUntilRelease(t *testing.T) {
	a := NewPortAllocator(15301, 15302)

	first, err := a.Allocate(context.Background(), nil)
	if err != nil {
		t.Fatalf("first Allocate: %v", err)
	}
	second, err := a.Allocate(context.Background(), nil)
	if err != nil {
		t.Fatalf("second Allocate: %v", err)
	}
	if first == second {
		t.Fatalf("back-to-back allocations returned the same port %d", first)
	}

	// Both reserved now; the range is exhausted until one is released.
	if _, err := a.Allocate(context.Background(), nil); !errors.Is(err, ErrNoFreePort) {
		t.Fatalf("want ErrNoFreePort, got %v", err)
	}
	a.Release(first)
	third, err := a.Allocate(context.Background(), nil)
	if err != nil {
		t.Fatalf("Allocate after Release: %v", err)
	}
	if third != first {
		t.Fatalf("released port not reusable: got %d want %d", third, first)
	}
}
