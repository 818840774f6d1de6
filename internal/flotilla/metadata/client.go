package metadata

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/flotillaproject/flotilla/internal/common/flotillaerrors"
	"github.com/flotillaproject/flotilla/internal/flotilla/configuration"
	"github.com/flotillaproject/flotilla/internal/flotilla/domain"
)

const (
	modelKeyPrefix   = "model/"
	adapterKeyPrefix = "adapter/"
)

// Info is the artifact store's metadata document for a model or adapter.
type Info struct {
	ApproxVramBytes   int64    `json:"approx_vram_bytes"`
	QuantizedVariants []string `json:"quantized_variants"`
	PeftSupport       bool     `json:"peft_support"`
}

// Client resolves GPU memory footprints for admission and hot-swaps. Lookups
// hit the cache first, then the artifact store when one is configured; the
// static catalog seeds the cache and is the offline source. Unknown models
// resolve to the most conservative known footprint so a lease is never
// undersized by a lookup failure.
type Client struct {
	baseUrl  string
	client   *http.Client
	cache    *cache.Cache
	fallback int64
	attempts uint
	delay    time.Duration
}

func NewClient(config configuration.MetadataConfig, retryConfig configuration.RetryConfig) (*Client, error) {
	catalog, err := loadCatalog(config.CatalogPath)
	if err != nil {
		return nil, err
	}

	ttl := config.CacheTtl
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	attempts := retryConfig.Attempts
	if attempts == 0 {
		attempts = 1
	}
	delay := retryConfig.InitialDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}

	c := &Client{
		baseUrl:  strings.TrimSuffix(config.BaseUrl, "/"),
		client:   &http.Client{Timeout: timeout},
		cache:    cache.New(ttl, ttl),
		fallback: config.FallbackModelBytes,
		attempts: attempts,
		delay:    delay,
	}
	for id, entry := range catalog.Models {
		c.cache.Set(modelKeyPrefix+id, entry.ApproxVramBytes, cache.NoExpiration)
	}
	for id, entry := range catalog.Adapters {
		c.cache.Set(adapterKeyPrefix+id, entry.ApproxVramBytes, cache.NoExpiration)
	}
	return c, nil
}

// EstimateBytes resolves the footprint of a model/adapter pair. It never
// fails: an unknown model estimates as the largest known model footprint or
// the configured fallback, an unknown adapter as the largest known adapter
// footprint.
func (c *Client) EstimateBytes(ctx context.Context, kind domain.Kind) int64 {
	bytes, ok := c.resolve(ctx, modelKeyPrefix, "/v1/models/", kind.ModelId)
	if !ok {
		bytes = c.largestKnown(modelKeyPrefix, c.fallback)
	}
	if kind.AdapterId != "" {
		adapterBytes, ok := c.resolve(ctx, adapterKeyPrefix, "/v1/adapters/", kind.AdapterId)
		if !ok {
			adapterBytes = c.largestKnown(adapterKeyPrefix, 0)
		}
		bytes += adapterBytes
	}
	return bytes
}

func (c *Client) resolve(ctx context.Context, keyPrefix string, pathPrefix string, id string) (int64, bool) {
	key := keyPrefix + id
	if cached, ok := c.cache.Get(key); ok {
		return cached.(int64), true
	}
	if c.baseUrl == "" {
		return 0, false
	}

	info, err := c.fetch(ctx, pathPrefix+url.PathEscape(id))
	if err != nil {
		log.Warnf("Could not resolve footprint of %s: %s", id, err)
		return 0, false
	}
	if info.ApproxVramBytes <= 0 {
		return 0, false
	}
	c.cache.Set(key, info.ApproxVramBytes, cache.DefaultExpiration)
	return info.ApproxVramBytes, true
}

func (c *Client) fetch(ctx context.Context, path string) (*Info, error) {
	info := &Info{}
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseUrl+path, nil)
			if err != nil {
				return retry.Unrecoverable(errors.WithStack(err))
			}
			resp, err := c.client.Do(req)
			if err != nil {
				return errors.WithStack(&flotillaerrors.ErrTransientInfra{Source: "metadata", Inner: err})
			}
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusNotFound {
				return retry.Unrecoverable(errors.WithStack(&flotillaerrors.ErrNotFound{Type: "artifact", Value: path}))
			}
			if resp.StatusCode != http.StatusOK {
				return errors.WithStack(&flotillaerrors.ErrTransientInfra{
					Source: "metadata",
					Inner:  errors.Errorf("unexpected status %s", resp.Status),
				})
			}
			return errors.WithStack(json.NewDecoder(resp.Body).Decode(info))
		},
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}
	return info, nil
}

// largestKnown scans the cache, which includes every catalog entry, for the
// biggest footprint under the given namespace.
func (c *Client) largestKnown(keyPrefix string, fallback int64) int64 {
	largest := int64(0)
	for key, item := range c.cache.Items() {
		if !strings.HasPrefix(key, keyPrefix) {
			continue
		}
		if bytes, ok := item.Object.(int64); ok && bytes > largest {
			largest = bytes
		}
	}
	if largest == 0 {
		return fallback
	}
	return largest
}
