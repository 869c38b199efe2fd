// Package ports finds runs of consecutive free TCP ports on loopback for
// kernel channel sockets.
package ports

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
)

const (
	// RangeMin and RangeMax bound the ephemeral range scanned for free
	// ports.
	RangeMin = 49152
	RangeMax = 65535

	maxAttempts = 256
)

// ErrExhausted is returned when no run of free consecutive ports could be
// found within the attempt budget.
var ErrExhausted = errors.New("ports: no free consecutive port run found")

// AllocateConsecutive returns a base port such that base..base+count-1 are
// all bindable on 127.0.0.1. The starting point is randomized to reduce
// collisions between concurrent sessions. The probe is bind-and-close, so
// another process can win the port before the kernel binds it; that race
// surfaces later as a connect failure for the spawn attempt and is not
// retried here.
func AllocateConsecutive(count int) (int, error) {
	if count <= 0 {
		return 0, fmt.Errorf("ports: invalid count %d", count)
	}
	span := RangeMax - RangeMin - count
	if span <= 0 {
		return 0, fmt.Errorf("ports: count %d exceeds ephemeral range", count)
	}

	base := RangeMin + rand.Intn(span)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		ok := true
		for i := 0; i < count; i++ {
			port := base + i
			// RangeMax itself is excluded: all ports stay strictly below it.
			if port >= RangeMax {
				ok = false
				break
			}
			if !probe(port) {
				// Restart the scan past the busy port.
				base = port + 1
				ok = false
				break
			}
		}
		if ok {
			return base, nil
		}
		if base+count > RangeMax {
			base = RangeMin + rand.Intn(span)
		}
	}
	return 0, ErrExhausted
}

func probe(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}
