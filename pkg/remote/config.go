package remote

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"

	"github.com/chazu/decisionloader/pkg/cache"
	"github.com/chazu/decisionloader/pkg/loader"
)

const (
	// DefaultTimeout bounds a single fetch attempt
	DefaultTimeout = 30 * time.Second

	// DefaultMaxRetries is the number of retries after the first attempt
	DefaultMaxRetries = 3

	// DefaultRetryDelay is the backoff base
	DefaultRetryDelay = 1 * time.Second

	// DefaultMaxBodyBytes limits the size of a single document
	DefaultMaxBodyBytes int64 = 16 << 20

	// DefaultCacheTTL is how long a fetched document is served from cache
	DefaultCacheTTL = 5 * time.Minute

	// DefaultCacheMaxEntries bounds the count-based policies
	DefaultCacheMaxEntries = 1000

	// DefaultCacheMaxWeight bounds the weight policy
	DefaultCacheMaxWeight int64 = 64 << 20

	// DefaultName labels metrics and logs when Config.Name is empty
	DefaultName = "remote"
)

// HeaderProvider returns headers to add to one outgoing request, for example
// a freshly rotated token. It is called once per attempt and may be called
// concurrently. A nil map adds nothing.
type HeaderProvider func(ctx context.Context) (map[string]string, error)

// CacheConfig configures the loader's document cache
type CacheConfig struct {
	// Enabled turns caching on. Default: true
	Enabled bool

	// TTL is measured from insertion. Default: 5 minutes
	TTL time.Duration

	// MaxEntries bounds PolicyLRU and PolicyFrequency. Default: 1000
	MaxEntries int

	// MaxWeight bounds PolicyWeight, in bytes. Default: 64Mi
	MaxWeight int64

	// Policy selects the eviction policy. Default: LRU
	Policy cache.Policy
}

// Config contains configuration for a remote loader. It is copied by New;
// changing it afterwards has no effect on the loader.
type Config struct {
	// Name labels the loader's metrics and log lines
	// Default: "remote"
	Name string

	// BaseURL is the http(s) origin documents are fetched from. A trailing
	// slash is ignored.
	BaseURL string

	// Headers are sent with every request
	Headers http.Header

	// HeaderProvider adds per-request headers, overriding Headers on collision
	HeaderProvider HeaderProvider

	// Timeout bounds each attempt
	// Default: 30 seconds
	Timeout time.Duration

	// MaxRetries is the number of retries after the first attempt
	// Default: 3
	MaxRetries int

	// RetryDelay is the backoff base; must be positive when MaxRetries > 0
	// Default: 1 second
	RetryDelay time.Duration

	// MaxRetryDelay caps a single backoff wait. Zero means no cap.
	MaxRetryDelay time.Duration

	// MaxBodyBytes rejects larger documents. Zero means no limit.
	// Default: 16Mi
	MaxBodyBytes int64

	// Coalesce lets concurrent misses for one key share a single fetch
	// Default: true
	Coalesce bool

	Cache CacheConfig

	// HTTPClient is used for requests. Default: a client without its own timeout.
	HTTPClient *http.Client
}

// DefaultConfig returns the default configuration for baseURL
func DefaultConfig(baseURL string) Config {
	return Config{
		Name:         DefaultName,
		BaseURL:      baseURL,
		Headers:      make(http.Header),
		Timeout:      DefaultTimeout,
		MaxRetries:   DefaultMaxRetries,
		RetryDelay:   DefaultRetryDelay,
		MaxBodyBytes: DefaultMaxBodyBytes,
		Coalesce:     true,
		Cache: CacheConfig{
			Enabled:    true,
			TTL:        DefaultCacheTTL,
			MaxEntries: DefaultCacheMaxEntries,
			MaxWeight:  DefaultCacheMaxWeight,
			Policy:     cache.PolicyLRU,
		},
	}
}

// SetHeader sets a static header, replacing any previous value
func (c *Config) SetHeader(name, value string) {
	if c.Headers == nil {
		c.Headers = make(http.Header)
	}
	c.Headers.Set(name, value)
}

// SetBearerToken sends "Authorization: Bearer <token>"
func (c *Config) SetBearerToken(token string) {
	c.SetHeader("Authorization", "Bearer "+token)
}

// SetAPIKey sends "X-API-Key: <key>"
func (c *Config) SetAPIKey(key string) {
	c.SetHeader("X-API-Key", key)
}

// SetBasicAuth sends HTTP basic credentials
func (c *Config) SetBasicAuth(username, password string) {
	c.SetHeader("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(username+":"+password)))
}

// Validate checks the configuration. Every problem is reported, joined into
// one KindConfigurationInvalid error.
func (c Config) Validate() error {
	var errs []error

	if c.BaseURL == "" {
		errs = append(errs, fmt.Errorf("baseURL is required"))
	} else if u, err := url.Parse(c.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("baseURL is invalid: %w", err))
	} else {
		if u.Scheme != "http" && u.Scheme != "https" {
			errs = append(errs, fmt.Errorf("baseURL must use http or https, got %q", c.BaseURL))
		}
		if u.Host == "" {
			errs = append(errs, fmt.Errorf("baseURL %q has no host", c.BaseURL))
		}
		if u.RawQuery != "" || u.Fragment != "" {
			errs = append(errs, fmt.Errorf("baseURL %q must not have a query or fragment", c.BaseURL))
		}
	}

	for name, values := range c.Headers {
		if !httpguts.ValidHeaderFieldName(name) {
			errs = append(errs, fmt.Errorf("header name %q is invalid", name))
		}
		for _, v := range values {
			if !httpguts.ValidHeaderFieldValue(v) {
				errs = append(errs, fmt.Errorf("header %s has an invalid value", name))
			}
		}
	}

	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive, got %v", c.Timeout))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("maxRetries must not be negative, got %d", c.MaxRetries))
	}
	if c.MaxRetries > 0 && c.RetryDelay <= 0 {
		errs = append(errs, fmt.Errorf("retryDelay must be positive when maxRetries > 0, got %v", c.RetryDelay))
	}
	if c.MaxRetryDelay < 0 {
		errs = append(errs, fmt.Errorf("maxRetryDelay must not be negative, got %v", c.MaxRetryDelay))
	}
	if c.MaxBodyBytes < 0 {
		errs = append(errs, fmt.Errorf("maxBodyBytes must not be negative, got %d", c.MaxBodyBytes))
	}

	if c.Cache.Enabled {
		if c.Cache.TTL <= 0 {
			errs = append(errs, fmt.Errorf("cache.ttl must be positive, got %v", c.Cache.TTL))
		}
		if c.Cache.MaxEntries <= 0 {
			errs = append(errs, fmt.Errorf("cache.maxEntries must be positive, got %d", c.Cache.MaxEntries))
		}
		if c.Cache.MaxWeight <= 0 {
			errs = append(errs, fmt.Errorf("cache.maxWeight must be positive, got %d", c.Cache.MaxWeight))
		}
		if !c.Cache.Policy.Valid() {
			errs = append(errs, fmt.Errorf("cache.policy %v is not supported", c.Cache.Policy))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return loader.NewError(loader.KindConfigurationInvalid, "", errors.Join(errs...))
}

// normalized returns a validated copy with defaults filled in
func (c Config) normalized() (Config, error) {
	if err := c.Validate(); err != nil {
		return Config{}, err
	}

	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	c.Headers = canonicalHeader(c.Headers)
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	return c, nil
}
