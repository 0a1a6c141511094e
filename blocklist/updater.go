package blocklist

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"
)

// Update downloads the configured remote lists into the block list
// directory and reloads.
func (b *BlockList) Update(ctx context.Context) error {
	if err := b.fetchBlocklists(ctx); err != nil {
		return err
	}
	return b.Reload()
}

// Reload rebuilds the tree from the manual entries and every file below
// the block list directory, then swaps it in.
func (b *BlockList) Reload() error {
	b.reloadMu.Lock()
	defer b.reloadMu.Unlock()

	entries, err := b.readBlocklists()
	if err != nil {
		return err
	}

	t := b.build(entries)
	b.swap(t)

	zlog.Info("Blocked domains loaded", "total", b.Length())

	return nil
}

func (b *BlockList) fetchBlocklists(ctx context.Context) error {
	if len(b.cfg.BlockLists) == 0 {
		return nil
	}

	if err := os.MkdirAll(b.cfg.BlockListDir, 0o750); err != nil {
		return fmt.Errorf("error creating blocklist directory: %w", err)
	}

	var wg sync.WaitGroup
	for i, uri := range b.cfg.BlockLists {
		u, err := url.Parse(uri)
		if err != nil {
			zlog.Error("Invalid blocklist address", "uri", uri, "error", err.Error())
			continue
		}
		name := fmt.Sprintf("%s.%d.list", u.Host, i)

		wg.Add(1)
		go func() {
			defer wg.Done()

			zlog.Info("Fetching blocklist", "uri", uri)
			if err := b.downloadBlocklist(ctx, uri, name); err != nil {
				zlog.Error("Fetching blocklist failed", "uri", uri, "error", err.Error())
			}
		}()
	}
	wg.Wait()

	return nil
}

func (b *BlockList) downloadBlocklist(ctx context.Context, uri, name string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("error downloading source: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("error downloading source: status %s", resp.Status)
	}

	// Write to a temporary name first so a watcher never reads half a file.
	filePath := filepath.Join(b.cfg.BlockListDir, name)
	tmp := filePath + ".tmp"

	output, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("error creating file: %w", err)
	}

	if _, err := io.Copy(output, resp.Body); err != nil {
		_ = output.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("error copying output: %w", err)
	}

	if err := output.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	return os.Rename(tmp, filePath)
}

func (b *BlockList) readBlocklists() ([]string, error) {
	dir := b.cfg.BlockListDir
	if dir == "" {
		return nil, nil
	}

	zlog.Info("Loading blocked domains", "path", dir)

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		zlog.Warn("Path not found, skipping...", "path", dir)
		return nil, nil
	}

	var entries []string

	err := filepath.Walk(dir, func(path string, f os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if f.IsDir() || filepath.Ext(path) == ".tmp" {
			return nil
		}

		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("error opening file: %w", err)
		}
		defer file.Close()

		if entries, err = parseHostFile(file, entries); err != nil {
			return fmt.Errorf("error parsing hostfile %s: %w", path, err)
		}

		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("error walking location: %w", err)
	}

	return entries, nil
}

// parseHostFile appends the domains of a hosts file or a plain domain
// list to entries. Addresses in the first column are skipped.
func parseHostFile(r io.Reader, entries []string) ([]string, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)

		name := fields[0]
		if len(fields) > 1 && !strings.HasPrefix(fields[1], "#") {
			name = fields[1]
		}

		if _, ok := dns.IsDomainName(name); !ok {
			continue
		}

		switch name = dns.CanonicalName(name); name {
		case ".", "localhost.", "localhost.localdomain.", "local.", "broadcasthost.", "ip6-localhost.", "ip6-loopback.":
			continue
		}

		entries = append(entries, name)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error scanning hostfile: %w", err)
	}

	return entries, nil
}
