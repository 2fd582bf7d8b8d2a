// Package stats aggregates per-interface network byte counters into
// traffic buckets by interface class and direction.
package stats

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TrafficType is a bit set over the six base traffic flags.
// The bit values are stable and may be exchanged with other processes.
type TrafficType uint32

const (
	// WWANSent counts bytes sent over cellular interfaces.
	WWANSent TrafficType = 1 << iota
	// WWANReceived counts bytes received over cellular interfaces.
	WWANReceived
	// WiFiSent counts bytes sent over WiFi interfaces.
	WiFiSent
	// WiFiReceived counts bytes received over WiFi interfaces.
	WiFiReceived
	// AWDLSent counts bytes sent over peer-to-peer interfaces.
	AWDLSent
	// AWDLReceived counts bytes received over peer-to-peer interfaces.
	AWDLReceived
)

const (
	// WWAN selects cellular traffic in both directions.
	WWAN = WWANSent | WWANReceived
	// WiFi selects WiFi traffic in both directions.
	WiFi = WiFiSent | WiFiReceived
	// AWDL selects peer-to-peer traffic in both directions.
	AWDL = AWDLSent | AWDLReceived

	// All selects every base flag.
	All = WWAN | WiFi | AWDL
)

// numFlags is the number of base flags and the size of Counters.
const numFlags = 6

// ErrUnknownTrafficType is returned by ParseTrafficType for unrecognized names.
var ErrUnknownTrafficType = errors.New("unknown traffic type")

var flagNames = [numFlags]string{
	"wwan-sent",
	"wwan-received",
	"wifi-sent",
	"wifi-received",
	"awdl-sent",
	"awdl-received",
}

var namedTypes = map[string]TrafficType{
	"all":  All,
	"wwan": WWAN,
	"wifi": WiFi,
	"awdl": AWDL,
}

func init() {
	for i, name := range flagNames {
		namedTypes[name] = 1 << i
	}
}

// BaseFlags returns the six base flags in bit order.
func BaseFlags() []TrafficType {
	return []TrafficType{WWANSent, WWANReceived, WiFiSent, WiFiReceived, AWDLSent, AWDLReceived}
}

// Has reports whether every bit of flag is set in t.
func (t TrafficType) Has(flag TrafficType) bool {
	return flag != 0 && t&flag == flag
}

// String renders the mask using union names where a whole class is selected,
// e.g. "wwan|wifi-sent". The empty mask renders as "none".
func (t TrafficType) String() string {
	t &= All
	if t == 0 {
		return "none"
	}
	if t == All {
		return "all"
	}

	var parts []string
	for _, class := range []struct {
		mask TrafficType
		name string
	}{{WWAN, "wwan"}, {WiFi, "wifi"}, {AWDL, "awdl"}} {
		if t.Has(class.mask) {
			parts = append(parts, class.name)
			continue
		}
		for i, name := range flagNames {
			flag := TrafficType(1 << i)
			if class.mask.Has(flag) && t.Has(flag) {
				parts = append(parts, name)
			}
		}
	}
	return strings.Join(parts, "|")
}

// ParseTrafficType parses a comma or pipe separated list of type names
// ("all", "wifi", "wwan-sent", ...) or a decimal mask.
func ParseTrafficType(s string) (TrafficType, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty expression", ErrUnknownTrafficType)
	}
	if n, err := strconv.ParseUint(s, 10, 32); err == nil {
		return TrafficType(n) & All, nil
	}

	var mask TrafficType
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '|' })
	for _, field := range fields {
		name := strings.ToLower(strings.TrimSpace(field))
		if name == "none" {
			continue
		}
		t, ok := namedTypes[name]
		if !ok {
			return 0, fmt.Errorf("%w: %q", ErrUnknownTrafficType, field)
		}
		mask |= t
	}
	return mask, nil
}

// Counters holds one cumulative byte counter per base flag.
type Counters [numFlags]uint64

// Add adds n bytes to the counter for a single base flag.
func (c *Counters) Add(flag TrafficType, n uint64) {
	for i := 0; i < numFlags; i++ {
		if flag == 1<<i {
			c[i] += n
			return
		}
	}
}

// Sum returns the total over exactly the flags set in types.
func (c Counters) Sum(types TrafficType) uint64 {
	var total uint64
	for i := 0; i < numFlags; i++ {
		if types&(1<<i) != 0 {
			total += c[i]
		}
	}
	return total
}

// Map returns the counters keyed by flag name.
func (c Counters) Map() map[string]uint64 {
	m := make(map[string]uint64, numFlags)
	for i, name := range flagNames {
		m[name] = c[i]
	}
	return m
}

// Sample pairs a set of counters with the time they were read.
// Time carries a monotonic clock reading when produced by the Monitor.
type Sample struct {
	Counters Counters
	Time     time.Time
}

// InterfaceRecord is one interface's cumulative counters as reported by the OS.
type InterfaceRecord struct {
	// Name is the OS interface name (e.g., "wlan0", "pdp_ip0").
	Name string
	// BytesSent is the total bytes transmitted since boot.
	BytesSent uint64
	// BytesReceived is the total bytes received since boot.
	BytesReceived uint64
}
