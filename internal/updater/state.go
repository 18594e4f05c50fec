// Package updater implements the Updater component: the stateful core that
// consumes normalized events, correlates connections with the process that
// opened them, mutates the in-memory knowledge base, and periodically
// persists it.
package updater

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
)

// NoProcessesPlaceholder is the AddressIndex sentinel string the removal
// rule in the state-update algorithm must tolerate even though no write path
// in this implementation (or the behavior it is grounded on) ever produces
// it; kept for forward compatibility with persisted state written by other
// implementations of this same format.
const NoProcessesPlaceholder = "No processes found during polling"

// ExecutableRecord is the per-executable aggregate described by the data
// model: the most recent short name (plus any divergent alternatives), the
// distinct (clustered) command lines observed, first/last-seen timestamps,
// the set of ports and remote addresses, and the reputation verdict per
// digest.
type ExecutableRecord struct {
	Cmdlines        []string          `json:"cmdlines"`
	DaysSeen        int               `json:"days seen"`
	FirstSeen       string            `json:"first seen"`
	LastSeen        string            `json:"last seen"`
	Name            string            `json:"name"`
	Ports           []int             `json:"ports"`
	RemoteAddresses []string          `json:"remote addresses"`
	Results         map[string]string `json:"results"`
}

// Config carries the subset of daemon configuration that governs the
// state-update algorithm and is itself part of the persisted knowledge
// base, mirroring the original implementation's embedded "Config" block.
type Config struct {
	LogCommandLines    bool
	LogRemoteAddress   bool
	OnlyLogConnections bool

	// UnlogPorts and UnlogNames together form the unlog filter: an address
	// is loggable iff its port is not in UnlogPorts and the process name is
	// not in UnlogNames. Persisted as a single mixed int/string list under
	// "Remote address unlog".
	UnlogPorts map[int]struct{}
	UnlogNames map[string]struct{}

	VTAPIKey       string
	VTFileUpload   bool
	VTLimitRequest float64
}

// DefaultConfig mirrors the original implementation's out-of-the-box
// defaults: command lines and remote addresses logged, connections and
// executions both logged, a small set of noisy ports/names pre-unlogged,
// and file upload to the reputation service disabled until an API key is
// configured.
func DefaultConfig() Config {
	return Config{
		LogCommandLines:    true,
		LogRemoteAddress:   true,
		OnlyLogConnections: false,
		UnlogPorts:         map[int]struct{}{80: {}},
		UnlogNames:         map[string]struct{}{"chrome": {}, "firefox": {}},
		VTAPIKey:           "",
		VTFileUpload:       false,
		VTLimitRequest:     15,
	}
}

// Loggable reports whether a (port, name) pair passes the unlog filter.
func (c Config) Loggable(port int, name string) bool {
	if _, blocked := c.UnlogPorts[port]; blocked {
		return false
	}
	if _, blocked := c.UnlogNames[name]; blocked {
		return false
	}
	return true
}

type configJSON struct {
	LogCommandLines    bool          `json:"Log command lines"`
	LogRemoteAddress   bool          `json:"Log remote address"`
	OnlyLogConnections bool          `json:"Only log connections"`
	RemoteAddressUnlog []interface{} `json:"Remote address unlog"`
	VTAPIKey           string        `json:"VT API key"`
	VTFileUpload       bool          `json:"VT file upload"`
	VTLimitRequest     float64       `json:"VT limit request"`
}

// MarshalJSON writes Config in the mixed int/string list form the persisted
// format requires: unlog ports first (sorted), then unlog names (sorted).
func (c Config) MarshalJSON() ([]byte, error) {
	ports := make([]int, 0, len(c.UnlogPorts))
	for p := range c.UnlogPorts {
		ports = append(ports, p)
	}
	sort.Ints(ports)

	names := make([]string, 0, len(c.UnlogNames))
	for n := range c.UnlogNames {
		names = append(names, n)
	}
	sort.Strings(names)

	unlog := make([]interface{}, 0, len(ports)+len(names))
	for _, p := range ports {
		unlog = append(unlog, p)
	}
	for _, n := range names {
		unlog = append(unlog, n)
	}

	return json.Marshal(configJSON{
		LogCommandLines:    c.LogCommandLines,
		LogRemoteAddress:   c.LogRemoteAddress,
		OnlyLogConnections: c.OnlyLogConnections,
		RemoteAddressUnlog: unlog,
		VTAPIKey:           c.VTAPIKey,
		VTFileUpload:       c.VTFileUpload,
		VTLimitRequest:     c.VTLimitRequest,
	})
}

// UnmarshalJSON splits the persisted mixed list back into ports and names
// by JSON type: numbers become ports, strings become names.
func (c *Config) UnmarshalJSON(data []byte) error {
	var raw configJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	ports := make(map[int]struct{})
	names := make(map[string]struct{})
	for _, v := range raw.RemoteAddressUnlog {
		switch t := v.(type) {
		case float64:
			ports[int(t)] = struct{}{}
		case string:
			names[t] = struct{}{}
		default:
			return fmt.Errorf("updater: unsupported Remote address unlog element %T", v)
		}
	}

	c.LogCommandLines = raw.LogCommandLines
	c.LogRemoteAddress = raw.LogRemoteAddress
	c.OnlyLogConnections = raw.OnlyLogConnections
	c.UnlogPorts = ports
	c.UnlogNames = names
	c.VTAPIKey = raw.VTAPIKey
	c.VTFileUpload = raw.VTFileUpload
	c.VTLimitRequest = raw.VTLimitRequest
	return nil
}

// State is the knowledge base: the single in-memory aggregate the Updater
// exclusively owns and mutates. Field order matches the persisted format's
// required (already-alphabetical) key order.
type State struct {
	mu          sync.Mutex
	writeLocked bool

	Config          Config              `json:"Config"`
	Errors          []string            `json:"Errors"`
	LatestEntries   []string            `json:"Latest Entries"`
	Names           map[string][]string `json:"Names"`
	Processes       map[string]*ExecutableRecord `json:"Processes"`
	RemoteAddresses map[string][]string `json:"Remote Addresses"`
}

// NewState constructs an empty knowledge base with cfg applied.
func NewState(cfg Config) *State {
	return &State{
		Config:          cfg,
		Errors:          []string{},
		LatestEntries:   []string{},
		Names:           make(map[string][]string),
		Processes:       make(map[string]*ExecutableRecord),
		RemoteAddresses: make(map[string][]string),
	}
}

// lock marks the state non-persistable for the duration of a single
// state-update, per invariant I6: a persisted snapshot must never catch a
// half-applied update.
func (s *State) lock() {
	s.mu.Lock()
	s.writeLocked = true
}

func (s *State) unlock() {
	s.writeLocked = false
	s.mu.Unlock()
}

// Persistable reports whether the state is currently safe to snapshot.
func (s *State) Persistable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.writeLocked
}

// PendingErrors returns a copy of the Errors entries not yet flushed to
// durable storage, safe to call concurrently with the Updater's own
// goroutine (e.g. from the introspection API).
func (s *State) PendingErrors() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.Errors))
	copy(out, s.Errors)
	return out
}

// Snapshot returns the pretty-printed JSON encoding used for persistence,
// with object keys sorted and HTML-unsafe runes left literal (ensure_ascii
// false per §6 — a MarshalIndent call would instead escape '<', '>', '&'),
// matching §6's on-disk format.
func (s *State) Snapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// recordSize returns the length of the JSON encoding, used by the Updater
// to decide whether the persisted state has changed since the last write.
func (s *State) recordSize() (int, error) {
	b, err := s.Snapshot()
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

// reverseDomainName reverses the dot-separated labels of dns so that
// lexical sort approximates domain hierarchy, e.g. "a.b.c" -> "c.b.a". IP
// addresses (the reverse-DNS fallback form) are left unreversed.
func reverseDomainName(dns string) string {
	if dns == "" {
		return dns
	}
	if net.ParseIP(dns) != nil {
		return dns
	}
	labels := strings.Split(dns, ".")
	for i, j := 0, len(labels)-1; i < j; i, j = i+1, j-1 {
		labels[i], labels[j] = labels[j], labels[i]
	}
	return strings.Join(labels, ".")
}
