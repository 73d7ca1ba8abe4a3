package catalog

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultArchiveURL is the provider's bundle of per-server config files.
const DefaultArchiveURL = "https://downloads.nordcdn.com/configs/archives/servers/ovpn.zip"

const downloadTimeout = 5 * time.Minute

// Download fetches the config archive from url and extracts the ovpn_tcp
// and ovpn_udp trees into dir. Anything else in the archive is skipped.
func Download(ctx context.Context, url, dir string) error {
	if url == "" {
		url = DefaultArchiveURL
	}

	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build download request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download config archive: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("config archive download returned status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp("", "nordmac-configs-*.zip")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to save config archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return extractArchive(tmp.Name(), dir)
}

func extractArchive(archivePath, dir string) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open config archive: %w", err)
	}
	defer reader.Close()

	extracted := 0
	for _, file := range reader.File {
		name := filepath.Clean(file.Name)
		if !strings.HasPrefix(name, "ovpn_tcp"+string(filepath.Separator)) &&
			!strings.HasPrefix(name, "ovpn_udp"+string(filepath.Separator)) {
			continue
		}
		if file.FileInfo().IsDir() {
			continue
		}
		if !strings.HasSuffix(name, ".ovpn") {
			continue
		}

		dest := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return err
		}
		if err := extractFile(file, dest); err != nil {
			return err
		}
		extracted++
	}

	if extracted == 0 {
		return fmt.Errorf("%w: archive contained no config files", ErrNoServers)
	}
	return nil
}

func extractFile(file *zip.File, dest string) error {
	src, err := file.Open()
	if err != nil {
		return fmt.Errorf("failed to read %s from archive: %w", file.Name, err)
	}
	defer src.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		return fmt.Errorf("failed to extract %s: %w", file.Name, err)
	}
	return nil
}

// EnsurePresent downloads the config archive only when dir holds no
// configs yet.
func EnsurePresent(ctx context.Context, url, dir string) error {
	for _, proto := range []string{"tcp", "udp"} {
		entries, err := os.ReadDir(filepath.Join(dir, "ovpn_"+proto))
		if err == nil && len(entries) > 0 {
			return nil
		}
	}
	return Download(ctx, url, dir)
}
