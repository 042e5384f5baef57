package queue

import (
	"fmt"
	"strings"
	"time"
)

// Tier identifies one of the broker backends, in failover order.
type Tier int

const (
	// TierPrimary is the direct remote broker.
	TierPrimary Tier = iota + 1
	// TierProxy reaches a broker indirectly through the proxy service.
	TierProxy
	// TierLocal is the local durable fallback.
	TierLocal
)

// String returns the lowercase tier name used in logs and metrics.
func (t Tier) String() string {
	switch t {
	case TierPrimary:
		return "primary"
	case TierProxy:
		return "proxy"
	case TierLocal:
		return "local"
	default:
		return "unknown"
	}
}

// ParseTier parses the output of Tier.String.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "primary":
		return TierPrimary, nil
	case "proxy":
		return TierProxy, nil
	case "local":
		return TierLocal, nil
	default:
		return 0, fmt.Errorf("unknown tier %q", s)
	}
}

// Envelope is one delivered message. DeliveryTag is only meaningful to the
// tier (and connection) that issued it.
type Envelope struct {
	Tier        Tier
	Queue       string
	Payload     []byte
	DeliveryTag uint64
}

// Availability is a possibly stale snapshot of a queue's depth.
type Availability struct {
	Tier  Tier
	Queue string
	Count int64
	Time  time.Time
}
