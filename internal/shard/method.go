package shard

import (
	"fmt"
	"strings"
)

// Method selects one shard among the shards of a priority.
type Method int

const (
	// First always picks the first shard. Unknown methods behave like First.
	First Method = iota
	// Random picks uniformly.
	Random
	// RoundRobin cycles through the shards with one counter per service.
	RoundRobin
	// Hash maps the hashing key onto a shard deterministically.
	Hash
	// LeastFilled picks the shard with the fewest ready messages.
	LeastFilled
	// Lookup pins each hashing key to the shard LeastFilled chose on first use.
	Lookup
	// Balance is Lookup with one permitted move of a key off an overloaded shard.
	Balance
)

var methodNames = map[Method]string{
	First:       "FIRST",
	Random:      "RANDOM",
	RoundRobin:  "ROUND_ROBIN",
	Hash:        "HASH",
	LeastFilled: "LEAST_FILLED",
	Lookup:      "LOOKUP",
	Balance:     "BALANCE",
}

func (m Method) String() string {
	if name, ok := methodNames[m]; ok {
		return name
	}
	return fmt.Sprintf("Method(%d)", int(m))
}

// ParseMethod parses a method name case-insensitively; "-" may stand for "_".
func ParseMethod(s string) (Method, error) {
	norm := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	for m, name := range methodNames {
		if name == norm {
			return m, nil
		}
	}
	return First, fmt.Errorf("unknown sharding method %q", s)
}
