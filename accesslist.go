package rbtp

import (
	"net"
	"net/netip"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// AccessListMode specifies how the access list is used.
type AccessListMode int

const (
	// AccessListModeDisabled means no access list filtering (default)
	AccessListModeDisabled AccessListMode = iota
	// AccessListModeWhitelist allows only listed hosts
	AccessListModeWhitelist
	// AccessListModeBlacklist blocks listed hosts
	AccessListModeBlacklist
)

// AccessListConfig configures host-based filtering of incoming SYNs.
type AccessListConfig struct {
	Mode AccessListMode `yaml:"mode"`

	// Hosts contains IP addresses or CIDR prefixes, e.g. "10.0.0.0/8".
	Hosts []string `yaml:"hosts"`

	// DisableRejectLogging disables log warnings when connections are rejected
	DisableRejectLogging bool `yaml:"disable_reject_logging"`
}

// DefaultAccessListConfig returns the default (disabled) configuration.
func DefaultAccessListConfig() *AccessListConfig {
	return &AccessListConfig{Mode: AccessListModeDisabled}
}

// accessFilter implements host-based access filtering.
type accessFilter struct {
	config *AccessListConfig
	mu     sync.RWMutex

	prefixes []netip.Prefix
}

func newAccessFilter(config *AccessListConfig) *accessFilter {
	if config == nil {
		config = DefaultAccessListConfig()
	}
	// The filter edits its host list at runtime; keep those edits away
	// from a Config shared by other listeners.
	own := *config
	own.Hosts = slices.Clone(config.Hosts)
	af := &accessFilter{config: &own}
	af.rebuildPrefixes()
	return af
}

// rebuildPrefixes parses the configured hosts. Entries that are neither an
// address nor a prefix are skipped with a warning.
// Must be called with af.mu held.
func (af *accessFilter) rebuildPrefixes() {
	af.prefixes = af.prefixes[:0]
	for _, h := range af.config.Hosts {
		if p, ok := parseHostPrefix(h); ok {
			af.prefixes = append(af.prefixes, p)
		}
	}
}

// parseHostPrefix accepts a single address or a CIDR prefix.
func parseHostPrefix(host string) (netip.Prefix, bool) {
	host = strings.TrimSpace(host)
	if host == "" {
		return netip.Prefix{}, false
	}
	if strings.Contains(host, "/") {
		p, err := netip.ParsePrefix(host)
		if err != nil {
			log.Warn().Str("host", host).Err(err).Msg("invalid prefix in access list")
			return netip.Prefix{}, false
		}
		return p.Masked(), true
	}
	a, err := netip.ParseAddr(host)
	if err != nil {
		log.Warn().Str("host", host).Err(err).Msg("invalid address in access list")
		return netip.Prefix{}, false
	}
	a = a.Unmap()
	return netip.PrefixFrom(a, a.BitLen()), true
}

// addrIP extracts the IP of a UDP peer, looking through *Addr.
func addrIP(addr net.Addr) (netip.Addr, bool) {
	if a, ok := addr.(*Addr); ok {
		addr = a.Net
	}
	switch a := addr.(type) {
	case *net.UDPAddr:
		ip, ok := netip.AddrFromSlice(a.IP)
		return ip.Unmap(), ok
	case nil:
		return netip.Addr{}, false
	}
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return netip.Addr{}, false
	}
	return ap.Addr().Unmap(), true
}

// IsAllowed checks if a connection from addr should be accepted.
func (af *accessFilter) IsAllowed(addr net.Addr) bool {
	af.mu.RLock()
	defer af.mu.RUnlock()

	if af.config.Mode == AccessListModeDisabled {
		return true
	}

	ip, ok := addrIP(addr)
	if !ok {
		// An address we cannot place is only trusted without a whitelist.
		return af.config.Mode != AccessListModeWhitelist
	}

	inList := false
	for _, p := range af.prefixes {
		if p.Contains(ip) {
			inList = true
			break
		}
	}

	switch af.config.Mode {
	case AccessListModeWhitelist:
		return inList
	case AccessListModeBlacklist:
		return !inList
	default:
		return true
	}
}

// CheckAndLog checks if addr is allowed and logs if rejected.
// Returns nil if allowed, or an error describing why rejected.
func (af *accessFilter) CheckAndLog(addr net.Addr) error {
	if af.IsAllowed(addr) {
		return nil
	}

	af.mu.RLock()
	config := af.config
	af.mu.RUnlock()

	reason := "host in blacklist"
	if config.Mode == AccessListModeWhitelist {
		reason = "host not in whitelist"
	}

	if !config.DisableRejectLogging {
		log.Warn().
			Str("peer", hostKey(addr)).
			Str("reason", reason).
			Msg("incoming connection rejected by access list")
	}

	return &AccessDeniedError{Reason: reason}
}

// AccessDeniedError is returned when a connection is rejected due to access list.
type AccessDeniedError struct {
	Reason string
}

func (e *AccessDeniedError) Error() string {
	return "access denied: " + e.Reason
}

// AddHost adds an address or prefix to the access list.
func (af *accessFilter) AddHost(host string) {
	af.mu.Lock()
	defer af.mu.Unlock()

	p, ok := parseHostPrefix(host)
	if !ok {
		return
	}
	af.config.Hosts = append(af.config.Hosts, host)
	af.prefixes = append(af.prefixes, p)
}

// RemoveHost removes an address or prefix from the access list.
func (af *accessFilter) RemoveHost(host string) {
	af.mu.Lock()
	defer af.mu.Unlock()

	target, ok := parseHostPrefix(host)
	if !ok {
		return
	}
	kept := make([]string, 0, len(af.config.Hosts))
	for _, h := range af.config.Hosts {
		if p, ok := parseHostPrefix(h); ok && p == target {
			continue
		}
		kept = append(kept, h)
	}
	af.config.Hosts = kept
	af.rebuildPrefixes()
}

// Clear removes all hosts from the access list.
func (af *accessFilter) Clear() {
	af.mu.Lock()
	defer af.mu.Unlock()

	af.config.Hosts = nil
	af.prefixes = nil
}

// Count returns the number of valid entries in the access list.
func (af *accessFilter) Count() int {
	af.mu.RLock()
	defer af.mu.RUnlock()
	return len(af.prefixes)
}

// ParseHostList parses a comma or space separated list of hosts.
func ParseHostList(list string) []string {
	if list == "" {
		return nil
	}
	return strings.Fields(strings.ReplaceAll(list, ",", " "))
}
