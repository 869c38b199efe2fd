package ports

import (
	"fmt"
	"net"
	"testing"
)

func TestAllocateConsecutive_InvalidCount(t *testing.T) {
	if _, err := AllocateConsecutive(0); err == nil {
		t.Fatalf("expected error for count 0")
	}
	if _, err := AllocateConsecutive(-3); err == nil {
		t.Fatalf("expected error for negative count")
	}
	if _, err := AllocateConsecutive(RangeMax - RangeMin + 1); err == nil {
		t.Fatalf("expected error for count exceeding range")
	}
}

func TestAllocateConsecutive_ReturnsBindableRun(t *testing.T) {
	base, err := AllocateConsecutive(5)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if base < RangeMin || base+4 >= RangeMax {
		t.Fatalf("base %d out of ephemeral range", base)
	}

	// Every port in the run must still be bindable right after allocation.
	listeners := make([]net.Listener, 0, 5)
	for i := 0; i < 5; i++ {
		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", base+i))
		if err != nil {
			t.Fatalf("port %d not bindable: %v", base+i, err)
		}
		listeners = append(listeners, l)
	}
	for _, l := range listeners {
		l.Close()
	}
}

func TestAllocateConsecutive_StaysBelowRangeMax(t *testing.T) {
	for i := 0; i < 50; i++ {
		base, err := AllocateConsecutive(5)
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}
		if base+4 >= RangeMax {
			t.Fatalf("run %d..%d reaches the range ceiling", base, base+4)
		}
	}
}

func TestAllocateConsecutive_SkipsBusyPort(t *testing.T) {
	// Occupy one port, then verify repeated allocations never hand it out
	// as part of a run.
	base, err := AllocateConsecutive(1)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", base))
	if err != nil {
		t.Fatalf("bind %d: %v", base, err)
	}
	defer l.Close()

	for i := 0; i < 20; i++ {
		got, err := AllocateConsecutive(3)
		if err != nil {
			t.Fatalf("allocate attempt %d: %v", i, err)
		}
		if base >= got && base < got+3 {
			t.Fatalf("busy port %d handed out in run starting at %d", base, got)
		}
	}
}
