package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfigs creates a config dir with the named servers for each
// protocol and returns its path.
func writeConfigs(t *testing.T, tcp, udp []string) string {
	t.Helper()
	dir := t.TempDir()
	for proto, ids := range map[string][]string{"tcp": tcp, "udp": udp} {
		sub := filepath.Join(dir, "ovpn_"+proto)
		require.NoError(t, os.MkdirAll(sub, 0755))
		for _, id := range ids {
			name := id + ".nordvpn.com." + proto + ".ovpn"
			require.NoError(t, os.WriteFile(filepath.Join(sub, name), []byte("client\n"), 0644))
		}
	}
	return dir
}

func TestLoadDiscoversEndpoints(t *testing.T) {
	dir := writeConfigs(t, []string{"us1234", "de502"}, []string{"us1234", "uk99"})
	c := New(dir, "")
	require.NoError(t, c.Load())

	assert.Equal(t, 3, c.Len())

	ep, ok := c.Get("us1234")
	require.True(t, ok)
	assert.Equal(t, "us1234.nordvpn.com", ep.Host)
	assert.Equal(t, "tcp", ep.Protocol)
	assert.Equal(t, "us", ep.Country)
	assert.FileExists(t, ep.ConfigPath)

	ep, ok = c.Get("uk99")
	require.True(t, ok)
	assert.Equal(t, "udp", ep.Protocol)
}

func TestLoadProtocolRestriction(t *testing.T) {
	dir := writeConfigs(t, []string{"us1234"}, []string{"uk99"})

	c := New(dir, "udp")
	require.NoError(t, c.Load())
	assert.Equal(t, 1, c.Len())
	_, ok := c.Get("uk99")
	assert.True(t, ok)
}

func TestLoadEmptyDir(t *testing.T) {
	c := New(t.TempDir(), "")
	err := c.Load()
	assert.ErrorIs(t, err, ErrNoServers)
}

func TestLoadIgnoresForeignFiles(t *testing.T) {
	dir := writeConfigs(t, []string{"us1"}, nil)
	sub := filepath.Join(dir, "ovpn_tcp")
	require.NoError(t, os.WriteFile(filepath.Join(sub, "README.txt"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "other.example.com.tcp.ovpn"), []byte("x"), 0644))

	c := New(dir, "")
	require.NoError(t, c.Load())
	assert.Equal(t, 1, c.Len())
}

func TestLoadMergesMetadata(t *testing.T) {
	dir := writeConfigs(t, []string{"us1234"}, nil)
	meta := "endpoints:\n  - id: us1234\n    region: New York\n    load: 42\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "endpoints.yaml"), []byte(meta), 0644))

	c := New(dir, "")
	require.NoError(t, c.Load())

	ep, ok := c.Get("us1234")
	require.True(t, ok)
	assert.Equal(t, "New York", ep.Region)
	assert.Equal(t, 42, ep.Load)
}

func TestSelectNextSkipsExcluded(t *testing.T) {
	dir := writeConfigs(t, []string{"us1", "us2", "us3"}, nil)
	c := New(dir, "")
	require.NoError(t, c.Load())

	c.Exclude("us1")
	c.Exclude("us2")

	for i := 0; i < 20; i++ {
		ep, err := c.SelectNext()
		require.NoError(t, err)
		assert.Equal(t, "us3", ep.ID)
	}
}

func TestSelectNextExhausted(t *testing.T) {
	dir := writeConfigs(t, []string{"us1", "us2"}, nil)
	c := New(dir, "")
	require.NoError(t, c.Load())

	c.Exclude("us1")
	c.Exclude("us2")

	_, err := c.SelectNext()
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestSelectNextUnloaded(t *testing.T) {
	c := New(t.TempDir(), "")
	_, err := c.SelectNext()
	assert.ErrorIs(t, err, ErrNoServers)
}

func TestExcludeIdempotent(t *testing.T) {
	dir := writeConfigs(t, []string{"us1", "us2"}, nil)
	c := New(dir, "")
	require.NoError(t, c.Load())

	c.Exclude("us1")
	c.Exclude("us1")
	c.Exclude("unknown")

	assert.Equal(t, 1, c.ExcludedCount())
	assert.True(t, c.Excluded("us1"))
	assert.False(t, c.Excluded("us2"))
}

func TestResetClearsExclusions(t *testing.T) {
	dir := writeConfigs(t, []string{"us1"}, nil)
	c := New(dir, "")
	require.NoError(t, c.Load())

	c.Exclude("us1")
	_, err := c.SelectNext()
	require.ErrorIs(t, err, ErrExhausted)

	c.Reset()
	ep, err := c.SelectNext()
	require.NoError(t, err)
	assert.Equal(t, "us1", ep.ID)
}

func TestFilterCountries(t *testing.T) {
	dir := writeConfigs(t, []string{"us1", "de1", "uk1"}, nil)
	c := New(dir, "")
	require.NoError(t, c.Load())

	c.SetFilter(FilterOptions{Countries: []string{"DE"}})
	for i := 0; i < 10; i++ {
		ep, err := c.SelectNext()
		require.NoError(t, err)
		assert.Equal(t, "de1", ep.ID)
	}

	c.SetFilter(FilterOptions{ExcludeCountries: []string{"us", "de"}})
	ep, err := c.SelectNext()
	require.NoError(t, err)
	assert.Equal(t, "uk1", ep.ID)
}

func TestFilterHosts(t *testing.T) {
	dir := writeConfigs(t, []string{"us1", "us2"}, nil)
	c := New(dir, "")
	require.NoError(t, c.Load())

	c.SetFilter(FilterOptions{AvoidHosts: []string{"us1"}})
	ep, err := c.SelectNext()
	require.NoError(t, err)
	assert.Equal(t, "us2", ep.ID)

	c.SetFilter(FilterOptions{Hosts: []string{"us1.nordvpn.com"}})
	ep, err = c.SelectNext()
	require.NoError(t, err)
	assert.Equal(t, "us1", ep.ID)
}

func TestListSortedAndByCountry(t *testing.T) {
	dir := writeConfigs(t, []string{"us2", "us1", "de1"}, nil)
	c := New(dir, "")
	require.NoError(t, c.Load())

	list := c.List()
	require.Len(t, list, 3)
	assert.Equal(t, "de1", list[0].ID)
	assert.Equal(t, "us1", list[1].ID)
	assert.Equal(t, "us2", list[2].ID)

	groups := c.ByCountry()
	assert.Len(t, groups["us"], 2)
	assert.Len(t, groups["de"], 1)
}

func TestParseConfigName(t *testing.T) {
	tests := []struct {
		name  string
		proto string
		ok    bool
		id    string
	}{
		{"us1234.nordvpn.com.tcp.ovpn", "tcp", true, "us1234"},
		{"us1234.nordvpn.com.udp.ovpn", "udp", true, "us1234"},
		{"us1234.nordvpn.com.udp.ovpn", "tcp", false, ""},
		{"other.example.com.tcp.ovpn", "tcp", false, ""},
		{".nordvpn.com.tcp.ovpn", "tcp", false, ""},
		{"notes.txt", "tcp", false, ""},
	}

	for _, tt := range tests {
		ep, ok := parseConfigName(tt.name, tt.proto)
		assert.Equal(t, tt.ok, ok, tt.name)
		if tt.ok {
			assert.Equal(t, tt.id, ep.ID)
		}
	}
}
