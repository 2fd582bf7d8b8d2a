package stats

import (
	"runtime"
	"sort"
	"strings"
)

// Class is the semantic class of a network interface.
type Class string

const (
	// ClassNone marks interfaces whose traffic is not counted.
	ClassNone Class = ""
	// ClassWWAN is a cellular data interface.
	ClassWWAN Class = "wwan"
	// ClassWiFi is a WiFi interface.
	ClassWiFi Class = "wifi"
	// ClassAWDL is a peer-to-peer interface (AWDL, WiFi Direct).
	ClassAWDL Class = "awdl"
)

// Flags returns the sent and received flags that traffic of this class counts toward.
func (c Class) Flags() (sent, received TrafficType) {
	switch c {
	case ClassWWAN:
		return WWANSent, WWANReceived
	case ClassWiFi:
		return WiFiSent, WiFiReceived
	case ClassAWDL:
		return AWDLSent, AWDLReceived
	default:
		return 0, 0
	}
}

// Rules maps each class to the interface name prefixes that belong to it.
type Rules map[Class][]string

var (
	darwinRules = Rules{
		ClassWWAN: {"pdp_ip"},
		ClassWiFi: {"en"},
		ClassAWDL: {"awdl", "llw"},
	}
	linuxRules = Rules{
		ClassWWAN: {"wwan", "wwp", "rmnet", "ccmni", "pdp_ip"},
		ClassWiFi: {"wlan", "wlp", "wlx"},
		ClassAWDL: {"awdl", "p2p"},
	}
	windowsRules = Rules{
		ClassWWAN: {"Cellular", "Mobile Broadband"},
		ClassWiFi: {"Wi-Fi", "WLAN"},
	}
)

// RulesFor returns the default prefix rules for the given GOOS value.
func RulesFor(goos string) Rules {
	switch goos {
	case "darwin", "ios":
		return darwinRules.clone()
	case "linux", "android":
		return linuxRules.clone()
	case "windows":
		return windowsRules.clone()
	default:
		merged := darwinRules.clone()
		for class, prefixes := range linuxRules {
			merged[class] = append(merged[class], prefixes...)
		}
		return merged
	}
}

// DefaultRules returns the prefix rules for the running platform.
func DefaultRules() Rules {
	return RulesFor(runtime.GOOS)
}

func (r Rules) clone() Rules {
	out := make(Rules, len(r))
	for class, prefixes := range r {
		out[class] = append([]string(nil), prefixes...)
	}
	return out
}

// Merge returns a copy of r where every class present in override replaces
// the corresponding class of r.
func (r Rules) Merge(override Rules) Rules {
	out := r.clone()
	for class, prefixes := range override {
		out[class] = append([]string(nil), prefixes...)
	}
	return out
}

type prefixRule struct {
	prefix string
	class  Class
}

// Classifier maps interface names to classes by prefix.
// It is immutable after construction and safe for concurrent use.
type Classifier struct {
	rules []prefixRule
}

// NewClassifier builds a classifier from the given rules.
// Longer prefixes are matched first so that overlapping prefixes resolve
// to the most specific class.
func NewClassifier(rules Rules) *Classifier {
	c := &Classifier{}
	for class, prefixes := range rules {
		if class == ClassNone {
			continue
		}
		for _, prefix := range prefixes {
			if prefix == "" {
				continue
			}
			c.rules = append(c.rules, prefixRule{prefix: prefix, class: class})
		}
	}
	sort.Slice(c.rules, func(i, j int) bool {
		if len(c.rules[i].prefix) != len(c.rules[j].prefix) {
			return len(c.rules[i].prefix) > len(c.rules[j].prefix)
		}
		return c.rules[i].prefix < c.rules[j].prefix
	})
	return c
}

// Classify returns the class of the named interface, or ClassNone.
func (c *Classifier) Classify(name string) Class {
	for _, r := range c.rules {
		if strings.HasPrefix(name, r.prefix) {
			return r.class
		}
	}
	return ClassNone
}

// Accumulate buckets the records into counters. Records of unclassified
// interfaces are dropped.
func (c *Classifier) Accumulate(records []InterfaceRecord) Counters {
	var counters Counters
	for _, rec := range records {
		sent, received := c.Classify(rec.Name).Flags()
		if sent == 0 {
			continue
		}
		counters.Add(sent, rec.BytesSent)
		counters.Add(received, rec.BytesReceived)
	}
	return counters
}
