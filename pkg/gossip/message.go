package gossip

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
)

var (
	// ErrMalformedIdentity is returned for identity strings that are not of
	// the form name=host:port.
	ErrMalformedIdentity = errors.New("gossip: malformed identity")

	// ErrMalformedState is returned for register payloads that cannot be
	// merged.
	ErrMalformedState = errors.New("gossip: malformed state")

	// ErrNoAck is returned when a peer answered a probe without acking it.
	ErrNoAck = errors.New("gossip: peer did not ack")
)

// Identity names a cluster member and the address its peer server listens
// on. Its string form, name=host:port, is the key used in the register.
type Identity struct {
	Name string
	Host string
	Port int
}

func (id Identity) String() string {
	return id.Name + "=" + id.HostPort()
}

// HostPort is host:port without IPv6 brackets, as carried on the wire.
func (id Identity) HostPort() string {
	return id.Host + ":" + strconv.Itoa(id.Port)
}

// Addr is a dialable address.
func (id Identity) Addr() string {
	return net.JoinHostPort(id.Host, strconv.Itoa(id.Port))
}

func (id Identity) IsZero() bool { return id == Identity{} }

// ParseIdentity parses name=host:port.
func ParseIdentity(s string) (Identity, error) {
	name, hostport, ok := strings.Cut(s, "=")
	if !ok || name == "" {
		return Identity{}, fmt.Errorf("%w: %q", ErrMalformedIdentity, s)
	}
	host, port, err := ParseHostPort(hostport)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %q", ErrMalformedIdentity, s)
	}
	return Identity{Name: name, Host: host, Port: port}, nil
}

// ParseHostPort splits host:port on the last colon.
func ParseHostPort(s string) (string, int, error) {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 {
		return "", 0, fmt.Errorf("%w: missing port in %q", ErrMalformedIdentity, s)
	}
	host := strings.Trim(s[:i], "[]")
	port, err := strconv.Atoi(s[i+1:])
	if err != nil || port <= 0 || port > 65535 || host == "" {
		return "", 0, fmt.Errorf("%w: bad host:port %q", ErrMalformedIdentity, s)
	}
	return host, port, nil
}

// Member is a live entry of the effective membership state.
type Member struct {
	ID Identity
	// Timestamp is the packed HLC timestamp of the winning add.
	Timestamp int64
}

// State is an immutable copy of a register's add and remove sets, keyed by
// identity string. It is what peers exchange during state sync.
type State struct {
	AddSet    map[string]int64
	RemoveSet map[string]int64
}

// Validate checks every key parses as an identity and every timestamp is
// non-negative.
func (st State) Validate() error {
	for _, set := range []map[string]int64{st.AddSet, st.RemoveSet} {
		for k, ts := range set {
			if _, err := ParseIdentity(k); err != nil {
				return fmt.Errorf("%w: %v", ErrMalformedState, err)
			}
			if ts < 0 {
				return fmt.Errorf("%w: negative timestamp for %s", ErrMalformedState, k)
			}
		}
	}
	return nil
}

// Clone deep-copies st.
func (st State) Clone() State {
	return State{AddSet: cloneSet(st.AddSet), RemoveSet: cloneSet(st.RemoveSet)}
}

// Effective returns the live entries: added, and not removed after the add.
func (st State) Effective() map[string]int64 {
	return effective(st.AddSet, st.RemoveSet)
}

// Members parses the effective state, sorted by identity string.
func (st State) Members() []Member {
	return membersOf(effective(st.AddSet, st.RemoveSet))
}

func effective(addSet, removeSet map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(addSet))
	for k, added := range addSet {
		if removed, ok := removeSet[k]; ok && removed > added {
			continue
		}
		out[k] = added
	}
	return out
}

func membersOf(live map[string]int64) []Member {
	keys := make([]string, 0, len(live))
	for k := range live {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Member, 0, len(keys))
	for _, k := range keys {
		id, err := ParseIdentity(k)
		if err != nil {
			continue
		}
		out = append(out, Member{ID: id, Timestamp: live[k]})
	}
	return out
}

func cloneSet(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
