package options

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultPortForward maps host 2222 to guest ssh when no list is given.
var DefaultPortForward = []PortForward{{Host: 2222, Guest: 22}}

// PortForward is one TCP host->guest mapping in NAT mode.
type PortForward struct {
	Host  int
	Guest int
}

// HostFwd renders the mapping in qemu user-netdev syntax.
func (p PortForward) HostFwd() string {
	return fmt.Sprintf("hostfwd=tcp::%d-:%d", p.Host, p.Guest)
}

// ParsePortForwards parses "host:guest[,host:guest...]". Empty input yields nil.
func ParsePortForwards(spec string) ([]PortForward, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}
	var out []PortForward
	seen := map[int]struct{}{}
	for _, pair := range strings.Split(spec, ",") {
		hostStr, guestStr, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok {
			return nil, fmt.Errorf("%w: port forward %q: want host:guest", ErrUsage, pair)
		}
		host, err := parsePort(hostStr)
		if err != nil {
			return nil, fmt.Errorf("%w: port forward %q: host %w", ErrUsage, pair, err)
		}
		guest, err := parsePort(guestStr)
		if err != nil {
			return nil, fmt.Errorf("%w: port forward %q: guest %w", ErrUsage, pair, err)
		}
		if _, dup := seen[host]; dup {
			return nil, fmt.Errorf("%w: host port %d forwarded twice", ErrUsage, host)
		}
		seen[host] = struct{}{}
		out = append(out, PortForward{Host: host, Guest: guest})
	}
	return out, nil
}

func parsePort(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("port %q is not a number", s)
	}
	if n < 1 || n > 65535 {
		return 0, fmt.Errorf("port %d out of range", n)
	}
	return n, nil
}
