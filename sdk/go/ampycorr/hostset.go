package ampycorr

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// DefaultExcludedDomains never receive injected correlation headers. Storage
// endpoints reject requests carrying unknown headers in signed canonical forms.
var DefaultExcludedDomains = []string{
	"core.windows.net",
	"core.chinacloudapi.cn",
	"core.cloudapi.de",
	"core.usgovcloudapi.net",
}

// HostExclusionSet holds hosts that must not receive correlation headers.
// Hosts are stored lowercased, without scheme, port or path.
//
// Add is meant for configuration time; Contains is safe for concurrent use.
type HostExclusionSet struct {
	mu    sync.RWMutex
	hosts map[string]struct{}
}

// NewHostExclusionSet builds a set from items, failing on the first item that
// cannot be interpreted as a host.
func NewHostExclusionSet(items ...string) (*HostExclusionSet, error) {
	s := &HostExclusionSet{hosts: make(map[string]struct{}, len(items))}
	for _, item := range items {
		if err := s.Add(item); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add stores the host of item. item may be an absolute URL or a bare host,
// in which case it is retried with an "http://" prefix.
func (s *HostExclusionSet) Add(item string) error {
	host, ok := parseHost(strings.TrimSpace(item))
	if !ok {
		return fmt.Errorf("exclude host %q: %w", item, ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hosts == nil {
		s.hosts = make(map[string]struct{})
	}
	s.hosts[host] = struct{}{}
	return nil
}

// Contains reports whether the host of target is excluded. Unparseable
// targets are never excluded.
func (s *HostExclusionSet) Contains(target string) bool {
	if s == nil {
		return false
	}
	host, ok := parseHost(target)
	if !ok {
		return false
	}
	return s.containsHost(host)
}

// ContainsURL is Contains for an already parsed URL.
func (s *HostExclusionSet) ContainsURL(u *url.URL) bool {
	if s == nil || u == nil || u.Hostname() == "" {
		return false
	}
	return s.containsHost(strings.ToLower(u.Hostname()))
}

// Len returns the number of excluded hosts.
func (s *HostExclusionSet) Len() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.hosts)
}

func (s *HostExclusionSet) containsHost(host string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.hosts[host]
	return ok
}

// parseHost reads raw as an absolute URL, retrying with an "http://" prefix
// when raw carries no scheme separator.
func parseHost(raw string) (string, bool) {
	if host, ok := hostOf(raw); ok {
		return host, true
	}
	if raw == "" || strings.Contains(raw, "://") {
		return "", false
	}
	return hostOf("http://" + raw)
}

func hostOf(raw string) (string, bool) {
	if raw == "" {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Hostname() == "" {
		return "", false
	}
	return strings.ToLower(u.Hostname()), true
}
