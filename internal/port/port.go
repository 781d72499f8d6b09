package port

import (
	"fmt"

	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/config"
)

// Allocate picks n free host ports from r, skipping every port in used.
// Ports are chosen first-fit so the lowest free values are reused.
func Allocate(r config.PortRange, used []int, n int) ([]int, error) {
	if n <= 0 {
		return nil, nil
	}

	taken := make(map[int]bool, len(used))
	for _, p := range used {
		taken[p] = true
	}

	ports := make([]int, 0, n)
	for p := r.From; p <= r.To && len(ports) < n; p++ {
		if !taken[p] {
			ports = append(ports, p)
		}
	}

	if len(ports) < n {
		return nil, fmt.Errorf("no available ports in range %d-%d (need %d, found %d)",
			r.From, r.To, n, len(ports))
	}

	return ports, nil
}
