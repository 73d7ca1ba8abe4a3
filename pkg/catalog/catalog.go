// Package catalog discovers candidate VPN endpoints from a directory of
// client config files and tracks which of them have already failed during
// the current connect cycle.
package catalog

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

var (
	// ErrNoServers indicates the config directory yielded no endpoints.
	ErrNoServers = errors.New("no VPN servers available")
	// ErrExhausted indicates every known endpoint has been excluded.
	ErrExhausted = errors.New("all VPN servers exhausted")
)

// hostSuffix is the provider hostname suffix shared by every endpoint.
const hostSuffix = ".nordvpn.com"

// Endpoint is one connectable VPN server.
type Endpoint struct {
	ID         string `yaml:"id"`
	Host       string `yaml:"host"`
	Protocol   string `yaml:"protocol"`
	Country    string `yaml:"country"`
	Region     string `yaml:"region,omitempty"`
	Load       int    `yaml:"load,omitempty"`
	ConfigPath string `yaml:"-"`
}

// FilterOptions restricts the visible endpoint set. Empty slices mean
// no restriction for that dimension.
type FilterOptions struct {
	Countries        []string
	ExcludeCountries []string
	Hosts            []string
	AvoidHosts       []string
}

// Catalog holds the discovered endpoints and the per-cycle exclusion set.
type Catalog struct {
	configDir string
	protocol  string

	mutex     sync.RWMutex
	endpoints map[string]Endpoint
	excluded  map[string]bool
	filter    FilterOptions
	rng       *rand.Rand
}

// New creates a catalog over configDir. protocol restricts discovery to
// "tcp" or "udp"; empty means both.
func New(configDir, protocol string) *Catalog {
	return &Catalog{
		configDir: configDir,
		protocol:  protocol,
		endpoints: make(map[string]Endpoint),
		excluded:  make(map[string]bool),
		rng:       rand.New(rand.NewSource(rand.Int63())),
	}
}

// Load scans the config directory for client config files and rebuilds the
// endpoint set. Exclusions from a previous scan are discarded. Returns
// ErrNoServers when nothing usable is found.
func (c *Catalog) Load() error {
	protocols := []string{"tcp", "udp"}
	if c.protocol != "" {
		protocols = []string{c.protocol}
	}

	found := make(map[string]Endpoint)
	for _, proto := range protocols {
		dir := filepath.Join(c.configDir, "ovpn_"+proto)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("failed to read config dir %s: %w", dir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			ep, ok := parseConfigName(entry.Name(), proto)
			if !ok {
				continue
			}
			ep.ConfigPath = filepath.Join(dir, entry.Name())
			// TCP wins when both protocols provide the same server
			// and no protocol preference is configured.
			if _, exists := found[ep.ID]; !exists || proto == "tcp" {
				found[ep.ID] = ep
			}
		}
	}

	if len(found) == 0 {
		return fmt.Errorf("%w in %s", ErrNoServers, c.configDir)
	}

	if err := mergeMetadata(c.configDir, found); err != nil {
		return err
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.endpoints = found
	c.excluded = make(map[string]bool)
	return nil
}

// parseConfigName extracts an endpoint from a config file name of the form
// us1234.nordvpn.com.tcp.ovpn.
func parseConfigName(name, proto string) (Endpoint, bool) {
	suffix := "." + proto + ".ovpn"
	if !strings.HasSuffix(name, suffix) {
		return Endpoint{}, false
	}
	host := strings.TrimSuffix(name, suffix)
	if !strings.HasSuffix(host, hostSuffix) {
		return Endpoint{}, false
	}
	id := strings.TrimSuffix(host, hostSuffix)
	if id == "" {
		return Endpoint{}, false
	}
	return Endpoint{
		ID:       id,
		Host:     host,
		Protocol: proto,
		Country:  countryOf(id),
	}, true
}

// countryOf derives the country code from the leading letters of a server
// id, e.g. "us1234" yields "us".
func countryOf(id string) string {
	for i, r := range id {
		if r >= '0' && r <= '9' {
			return id[:i]
		}
	}
	return id
}

// metadataFile is the optional sidecar carrying region and load details
// that the config file names cannot express.
type metadataFile struct {
	Endpoints []Endpoint `yaml:"endpoints"`
}

func mergeMetadata(configDir string, endpoints map[string]Endpoint) error {
	path := filepath.Join(configDir, "endpoints.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read endpoint metadata: %w", err)
	}

	var meta metadataFile
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("failed to parse endpoint metadata %s: %w", path, err)
	}

	for _, m := range meta.Endpoints {
		ep, ok := endpoints[m.ID]
		if !ok {
			continue
		}
		if m.Region != "" {
			ep.Region = m.Region
		}
		if m.Load > 0 {
			ep.Load = m.Load
		}
		if m.Country != "" {
			ep.Country = m.Country
		}
		endpoints[m.ID] = ep
	}
	return nil
}

// SetFilter installs allow and deny lists applied to every later selection
// and listing. Matching is case-insensitive.
func (c *Catalog) SetFilter(opts FilterOptions) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.filter = opts
}

func (c *Catalog) passesFilter(ep Endpoint) bool {
	f := c.filter
	if len(f.Countries) > 0 && !containsFold(f.Countries, ep.Country) {
		return false
	}
	if containsFold(f.ExcludeCountries, ep.Country) {
		return false
	}
	if len(f.Hosts) > 0 && !containsFold(f.Hosts, ep.Host) && !containsFold(f.Hosts, ep.ID) {
		return false
	}
	if containsFold(f.AvoidHosts, ep.Host) || containsFold(f.AvoidHosts, ep.ID) {
		return false
	}
	return true
}

func containsFold(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}

// SelectNext picks a uniformly random endpoint that is neither excluded nor
// filtered out. Returns ErrExhausted when no candidate remains, or
// ErrNoServers when the catalog was never loaded.
func (c *Catalog) SelectNext() (Endpoint, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if len(c.endpoints) == 0 {
		return Endpoint{}, ErrNoServers
	}

	candidates := make([]Endpoint, 0, len(c.endpoints))
	for id, ep := range c.endpoints {
		if c.excluded[id] || !c.passesFilter(ep) {
			continue
		}
		candidates = append(candidates, ep)
	}
	if len(candidates) == 0 {
		return Endpoint{}, ErrExhausted
	}

	return candidates[c.rng.Intn(len(candidates))], nil
}

// Get returns the endpoint with the given id.
func (c *Catalog) Get(id string) (Endpoint, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	ep, ok := c.endpoints[id]
	return ep, ok
}

// Exclude marks an endpoint so SelectNext skips it. Excluding an already
// excluded or unknown id is a no-op.
func (c *Catalog) Exclude(id string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if _, ok := c.endpoints[id]; ok {
		c.excluded[id] = true
	}
}

// Excluded reports whether an endpoint is currently excluded.
func (c *Catalog) Excluded(id string) bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.excluded[id]
}

// ExcludedCount returns the number of excluded endpoints.
func (c *Catalog) ExcludedCount() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.excluded)
}

// Reset clears all exclusions.
func (c *Catalog) Reset() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.excluded = make(map[string]bool)
}

// Len returns the number of known endpoints.
func (c *Catalog) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.endpoints)
}

// List returns the filtered endpoints sorted by id.
func (c *Catalog) List() []Endpoint {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	result := make([]Endpoint, 0, len(c.endpoints))
	for _, ep := range c.endpoints {
		if c.passesFilter(ep) {
			result = append(result, ep)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// ByCountry groups the filtered endpoints by country code.
func (c *Catalog) ByCountry() map[string][]Endpoint {
	groups := make(map[string][]Endpoint)
	for _, ep := range c.List() {
		groups[ep.Country] = append(groups[ep.Country], ep)
	}
	return groups
}
