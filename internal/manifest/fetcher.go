// Package manifest loads gadget manifests. Concurrent requests for the same
// URI share one fetch and all receive its result.
package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/codefionn/aardvark-hub/internal/logger"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"
)

// FileName is appended to a gadget URI to find its manifest
const FileName = "gadget_manifest.json"

const maxManifestBytes = 1 << 20

var installPrefixes = []string{"http://aardvark.install", "https://aardvark.install"}

// Options configures a Fetcher
type Options struct {
	// InstallDir is where http(s)://aardvark.install URIs point to
	InstallDir string
	Timeout    time.Duration
	// CacheFiles keeps file manifests in memory until they change on disk
	CacheFiles bool
	Client     *http.Client
	Logger     *logger.Logger
}

// Fetcher resolves and loads manifests from local files or over HTTP
type Fetcher struct {
	installDir string
	timeout    time.Duration
	client     *http.Client
	log        *logger.Logger
	group      singleflight.Group

	mu          sync.Mutex
	cache       map[string]json.RawMessage // file path -> manifest
	watchedDirs map[string]bool
	watcher     *fsnotify.Watcher
	stopWatch   chan struct{}
	closeOnce   sync.Once
}

// NewFetcher creates a fetcher. When file caching is requested but a watcher
// cannot be created, caching is disabled rather than serving stale files.
func NewFetcher(opts Options) *Fetcher {
	f := &Fetcher{
		installDir:  opts.InstallDir,
		timeout:     opts.Timeout,
		client:      opts.Client,
		log:         opts.Logger,
		watchedDirs: make(map[string]bool),
		stopWatch:   make(chan struct{}),
	}
	if f.timeout <= 0 {
		f.timeout = 10 * time.Second
	}
	if f.client == nil {
		f.client = &http.Client{}
	}
	if f.log == nil {
		f.log = logger.Global().WithPrefix("manifest")
	}
	if f.installDir == "" {
		f.installDir = "."
	}

	if opts.CacheFiles {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			f.log.Warn("failed to create manifest watcher, caching disabled: %v", err)
		} else {
			f.watcher = watcher
			f.cache = make(map[string]json.RawMessage)
			go f.watchFiles()
		}
	}

	return f
}

// Close stops the file watcher
func (f *Fetcher) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.stopWatch)
		if f.watcher != nil {
			err = f.watcher.Close()
		}
	})
	return err
}

// ManifestURI returns the manifest location for a gadget URI
func ManifestURI(gadgetURI string) string {
	return strings.TrimRight(gadgetURI, "/") + "/" + FileName
}

// FetchGadgetManifest loads the manifest that belongs to gadgetURI
func (f *Fetcher) FetchGadgetManifest(ctx context.Context, gadgetURI string) (json.RawMessage, error) {
	return f.Fetch(ctx, ManifestURI(gadgetURI))
}

// Fetch loads the JSON document at uri. Callers asking for the same uri while
// a fetch is in flight wait for that fetch. ctx only bounds how long this
// caller waits; the shared fetch runs under the fetcher's own timeout.
func (f *Fetcher) Fetch(ctx context.Context, uri string) (json.RawMessage, error) {
	ch := f.group.DoChan(uri, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.Background(), f.timeout)
		defer cancel()
		return f.load(fetchCtx, uri)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(json.RawMessage), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resolve maps a URI onto the location it is actually loaded from
func (f *Fetcher) Resolve(uri string) (*url.URL, error) {
	lower := strings.ToLower(uri)
	for _, prefix := range installPrefixes {
		if strings.HasPrefix(lower, prefix) {
			rest := uri[len(prefix):]
			path := filepath.Join(f.installDir, filepath.FromSlash(rest))
			abs, err := filepath.Abs(path)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve %s: %w", uri, err)
			}
			return &url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}, nil
		}
	}

	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid manifest uri %q: %w", uri, err)
	}
	return parsed, nil
}

func (f *Fetcher) load(ctx context.Context, uri string) (json.RawMessage, error) {
	resolved, err := f.Resolve(uri)
	if err != nil {
		return nil, err
	}

	switch resolved.Scheme {
	case "file":
		return f.loadFile(filepath.Clean(filepath.FromSlash(resolved.Path)))
	case "http", "https":
		return f.loadHTTP(ctx, resolved.String())
	default:
		return nil, fmt.Errorf("unsupported manifest scheme %q in %s", resolved.Scheme, uri)
	}
}

func (f *Fetcher) loadFile(path string) (json.RawMessage, error) {
	if cached, ok := f.cached(path); ok {
		return cached, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("manifest %s is not valid JSON", path)
	}

	manifest := json.RawMessage(data)
	f.store(path, manifest)
	return manifest, nil
}

func (f *Fetcher) loadHTTP(ctx context.Context, uri string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch manifest: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch manifest: %s returned %s", uri, resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest body: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("manifest at %s is not valid JSON", uri)
	}
	return json.RawMessage(data), nil
}

func (f *Fetcher) cached(path string) (json.RawMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cache == nil {
		return nil, false
	}
	manifest, ok := f.cache[path]
	return manifest, ok
}

func (f *Fetcher) store(path string, manifest json.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cache == nil {
		return
	}

	dir := filepath.Dir(path)
	if !f.watchedDirs[dir] {
		if err := f.watcher.Add(dir); err != nil {
			f.log.Warn("not caching %s, failed to watch %s: %v", path, dir, err)
			return
		}
		f.watchedDirs[dir] = true
	}
	f.cache[path] = manifest
}

func (f *Fetcher) evict(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.cache[path]; ok {
		delete(f.cache, path)
		f.log.Debug("manifest %s changed on disk, evicted", path)
	}
}

func (f *Fetcher) watchFiles() {
	for {
		select {
		case <-f.stopWatch:
			return
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				f.evict(filepath.Clean(event.Name))
			}
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.log.Warn("manifest watcher error: %v", err)
		}
	}
}
