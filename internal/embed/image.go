// Package embed inlines the images referenced by a credential manifest as
// data URLs so the browser can render the card without fetching from the
// issuer's CDN.
package embed

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sirosfoundation/go-vc-request-backend/pkg/config"
)

const (
	DefaultMaxImageSize = 1 << 20
	DefaultTimeout      = 10 * time.Second

	maxConcurrentFetches = 4
)

// imageKeys are the manifest members whose "uri" points at an image
var imageKeys = map[string]bool{
	"logo":             true,
	"background_image": true,
	"backgroundImage":  true,
}

// ImageEmbedder replaces image URLs in a manifest with data URLs
type ImageEmbedder struct {
	enabled bool
	maxSize int64
	client  *http.Client
	logger  *zap.Logger
}

// Option configures an ImageEmbedder
type Option func(*ImageEmbedder)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(e *ImageEmbedder) {
		e.client = client
	}
}

// NewImageEmbedder creates an embedder from the manifest image configuration
func NewImageEmbedder(cfg config.ManifestImagesConfig, logger *zap.Logger, opts ...Option) *ImageEmbedder {
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMaxImageSize
	}
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	e := &ImageEmbedder{
		enabled: cfg.Embed,
		maxSize: maxSize,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.Named("embed"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EmbedImages returns manifest with every reachable image inlined. Images
// that cannot be fetched keep their URL; the manifest is never rejected
// because of an image.
func (e *ImageEmbedder) EmbedImages(ctx context.Context, manifest json.RawMessage) (json.RawMessage, error) {
	if e == nil || !e.enabled {
		return manifest, nil
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(manifest, &doc); err != nil {
		return manifest, fmt.Errorf("failed to parse manifest: %w", err)
	}

	urls := ImageURLs(doc)
	if len(urls) == 0 {
		return manifest, nil
	}

	dataURLs := e.fetchImages(ctx, urls)
	if len(dataURLs) == 0 {
		return manifest, nil
	}
	replaceImageURLs(doc, dataURLs)

	result, err := json.Marshal(doc)
	if err != nil {
		return manifest, fmt.Errorf("failed to serialize manifest: %w", err)
	}
	return result, nil
}

// ImageURLs returns the distinct https image URLs referenced by doc
func ImageURLs(doc map[string]interface{}) []string {
	var urls []string
	seen := make(map[string]bool)

	walkImages(doc, func(img map[string]interface{}) {
		uri, _ := img["uri"].(string)
		if IsImageURL(uri) && !seen[uri] {
			seen[uri] = true
			urls = append(urls, uri)
		}
	})
	return urls
}

func replaceImageURLs(doc map[string]interface{}, dataURLs map[string]string) {
	walkImages(doc, func(img map[string]interface{}) {
		uri, _ := img["uri"].(string)
		if dataURL, ok := dataURLs[uri]; ok {
			img["uri"] = dataURL
		}
	})
}

// walkImages calls fn for every image object in v
func walkImages(v interface{}, fn func(map[string]interface{})) {
	switch val := v.(type) {
	case map[string]interface{}:
		for key, child := range val {
			if img, ok := child.(map[string]interface{}); ok && imageKeys[key] {
				fn(img)
			}
			walkImages(child, fn)
		}
	case []interface{}:
		for _, item := range val {
			walkImages(item, fn)
		}
	}
}

// fetchImages fetches all images concurrently and returns a map of URL to
// data URL. Failed fetches are logged and left out.
func (e *ImageEmbedder) fetchImages(ctx context.Context, urls []string) map[string]string {
	result := make(map[string]string, len(urls))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFetches)
	for _, url := range urls {
		g.Go(func() error {
			dataURL, err := e.fetchAndEncode(ctx, url)
			if err != nil {
				e.logger.Debug("Failed to fetch manifest image", zap.String("url", url), zap.Error(err))
				return nil
			}
			mu.Lock()
			result[url] = dataURL
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return result
}

// fetchAndEncode fetches a single image and returns it as a data URL
func (e *ImageEmbedder) fetchAndEncode(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	if resp.ContentLength > e.maxSize {
		return "", fmt.Errorf("image too large: %d bytes", resp.ContentLength)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, e.maxSize+1))
	if err != nil {
		return "", fmt.Errorf("failed to read: %w", err)
	}
	if int64(len(data)) > e.maxSize {
		return "", fmt.Errorf("image too large: %d bytes", len(data))
	}

	mimeType := MimeType(resp.Header.Get("Content-Type"), data)
	if !strings.HasPrefix(mimeType, "image/") {
		return "", fmt.Errorf("invalid content-type: %s (expected image/*)", mimeType)
	}

	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

// IsImageURL reports whether uri is an https URL that may be inlined.
// Plain http and data URLs are left alone.
func IsImageURL(uri string) bool {
	return strings.HasPrefix(uri, "https://")
}

// MimeType returns the media type of an image, preferring the declared
// Content-Type and detecting it from the content otherwise.
func MimeType(declared string, data []byte) string {
	if idx := strings.Index(declared, ";"); idx >= 0 {
		declared = declared[:idx]
	}
	declared = strings.ToLower(strings.TrimSpace(declared))
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}

	detected := mimetype.Detect(data).String()
	if idx := strings.Index(detected, ";"); idx >= 0 {
		detected = detected[:idx]
	}
	return detected
}
