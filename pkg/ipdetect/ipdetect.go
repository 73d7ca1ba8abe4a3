// Package ipdetect looks up the host's public IP and its geo details, used
// to confirm which exit the tunnel actually goes through.
package ipdetect

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// DefaultURL is the public IP info service queried.
const DefaultURL = "https://ipinfo.io/json"

const cacheTTL = 60 * time.Second

// Info describes the current public IP.
type Info struct {
	IP      string `json:"ip"`
	City    string `json:"city"`
	Region  string `json:"region"`
	Country string `json:"country"`
	Org     string `json:"org"`
	Loc     string `json:"loc"`
}

// Detector queries the IP info service with a short single-entry cache so
// status polling does not hammer the external service.
type Detector struct {
	url    string
	client *http.Client
	logger *slog.Logger

	mutex     sync.Mutex
	cached    Info
	cachedAt  time.Time
	haveCache bool
}

// New creates a detector against DefaultURL.
func New(logger *slog.Logger) *Detector {
	return NewWithURL(DefaultURL, logger)
}

// NewWithURL creates a detector against a custom service URL.
func NewWithURL(url string, logger *slog.Logger) *Detector {
	return &Detector{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// Current returns the public IP info, served from cache when fresh.
func (d *Detector) Current(ctx context.Context) (Info, error) {
	d.mutex.Lock()
	if d.haveCache && time.Since(d.cachedAt) < cacheTTL {
		info := d.cached
		d.mutex.Unlock()
		return info, nil
	}
	d.mutex.Unlock()

	info, err := d.fetch(ctx)
	if err != nil {
		return Info{}, err
	}

	d.mutex.Lock()
	d.cached = info
	d.cachedAt = time.Now()
	d.haveCache = true
	d.mutex.Unlock()

	d.logger.Debug("Public IP detected", "ip", info.IP, "country", info.Country, "org", info.Org)
	return info, nil
}

// ClearCache drops the cached entry. Called after connectivity changes so
// the next lookup reflects the new path.
func (d *Detector) ClearCache() {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.haveCache = false
}

func (d *Detector) fetch(ctx context.Context) (Info, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.url, nil)
	if err != nil {
		return Info{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return Info{}, fmt.Errorf("IP lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Info{}, fmt.Errorf("IP lookup returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Info{}, fmt.Errorf("failed to read IP lookup response: %w", err)
	}

	var info Info
	if err := json.Unmarshal(body, &info); err != nil {
		return Info{}, fmt.Errorf("failed to parse IP lookup response: %w", err)
	}
	if info.IP == "" {
		return Info{}, fmt.Errorf("IP lookup response missing ip field")
	}
	return info, nil
}
