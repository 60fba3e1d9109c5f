// Package fetch discovers zip archives on HTTP index pages and downloads
// the ones missing from the local mountpoint, placing them where the run
// pipeline expects them.
package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"

	"github.com/Living-with-machines/alto2txt2fixture/internal/config"
	"github.com/Living-with-machines/alto2txt2fixture/internal/util"
)

// Options control one fetch invocation.
type Options struct {
	// IndexURLs are HTML pages listing archive links.
	IndexURLs []string
	// Collection decides the destination directory under the mountpoint.
	Collection string
	// Workers bounds concurrent downloads.
	Workers int
}

// Summary reports what a fetch did.
type Summary struct {
	Discovered int
	Downloaded int
	Skipped    int
	Failed     int
}

// Run finds zip links on every index page and downloads those not already
// present in <mountpoint>/<collection>-alto2txt/metadata/. Existing files
// are never re-downloaded.
func Run(ctx context.Context, cfg config.Config, opts Options, logger *slog.Logger) (*Summary, error) {
	if len(opts.IndexURLs) == 0 {
		return nil, fmt.Errorf("no index URLs given")
	}
	if opts.Collection == "" {
		return nil, fmt.Errorf("no collection given")
	}
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}

	destDir := filepath.Join(cfg.Mountpoint, opts.Collection+"-alto2txt", "metadata")
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("create destination directory %s: %w", destDir, err)
	}

	client := util.DefaultHTTPClient()
	var archiveURLs []string
	seen := make(map[string]bool)
	for _, indexURL := range opts.IndexURLs {
		links, err := discoverLinks(ctx, client, indexURL)
		if err != nil {
			return nil, err
		}
		logger.Info("Index page scanned.", slog.String("url", indexURL), slog.Int("links", len(links)))
		for _, link := range links {
			if !seen[link] {
				seen[link] = true
				archiveURLs = append(archiveURLs, link)
			}
		}
	}

	summary := &Summary{Discovered: len(archiveURLs)}
	if len(archiveURLs) == 0 {
		logger.Warn("No archive links found on any index page.")
		return summary, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, archiveURL := range archiveURLs {
		g.Go(func() error {
			dest := filepath.Join(destDir, filepath.Base(mustPath(archiveURL)))
			if _, err := os.Stat(dest); err == nil {
				logger.Debug("Archive already present, skipping.", slog.String("path", dest))
				mu.Lock()
				summary.Skipped++
				mu.Unlock()
				return nil
			}
			if err := downloadArchive(gctx, client, archiveURL, dest); err != nil {
				logger.Error("Download failed.", slog.String("url", archiveURL), "error", err)
				mu.Lock()
				summary.Failed++
				mu.Unlock()
				return nil
			}
			logger.Info("Archive downloaded.", slog.String("url", archiveURL), slog.String("path", dest))
			mu.Lock()
			summary.Downloaded++
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summary, err
	}

	if summary.Failed > 0 && summary.Downloaded == 0 {
		return summary, fmt.Errorf("all %d downloads failed", summary.Failed)
	}
	return summary, nil
}

// discoverLinks fetches one index page and returns absolute URLs of every
// zip link on it.
func discoverLinks(ctx context.Context, client *http.Client, indexURL string) ([]string, error) {
	base, err := url.Parse(indexURL)
	if err != nil {
		return nil, fmt.Errorf("parse index URL %s: %w", indexURL, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, indexURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", indexURL, err)
	}
	body, err := util.DownloadFile(client, req)
	if err != nil {
		return nil, err
	}
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse HTML from %s: %w", indexURL, err)
	}

	var out []string
	for _, href := range util.ParseLinks(doc, ".zip") {
		ref, err := url.Parse(href)
		if err != nil {
			continue
		}
		out = append(out, base.ResolveReference(ref).String())
	}
	return out, nil
}

// downloadArchive streams the body to a temp file in the destination
// directory and renames into place, so partial downloads never look like
// complete archives.
func downloadArchive(ctx context.Context, client *http.Client, archiveURL, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, archiveURL, nil)
	if err != nil {
		return fmt.Errorf("build request for %s: %w", archiveURL, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("http do request for %s: %w", archiveURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("bad status '%s' fetching %s: %s", resp.Status, archiveURL, string(snippet))
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".part-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", dest, err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("stream %s: %w", archiveURL, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file for %s: %w", dest, err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("move %s into place: %w", dest, err)
	}
	return nil
}

func mustPath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" {
		return rawURL
	}
	return strings.TrimSuffix(u.Path, "/")
}
