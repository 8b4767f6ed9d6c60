package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/chazu/decisionloader/pkg/cache"
	"github.com/chazu/decisionloader/pkg/loader"
)

// origin is a scripted document server. Each request takes the next status
// from statuses; once they run out it answers 200 with body.
type origin struct {
	server *httptest.Server

	mu       sync.Mutex
	statuses []int
	body     string
	lastReq  *http.Request

	calls atomic.Int32

	// block, when set, is awaited by the first request
	block chan struct{}
}

func newOrigin(body string, statuses ...int) *origin {
	o := &origin{body: body, statuses: statuses}
	o.server = httptest.NewServer(http.HandlerFunc(o.serve))
	DeferCleanup(o.server.Close)
	return o
}

func (o *origin) serve(w http.ResponseWriter, r *http.Request) {
	n := o.calls.Add(1)

	o.mu.Lock()
	o.lastReq = r.Clone(context.Background())
	status := http.StatusOK
	if len(o.statuses) > 0 {
		status = o.statuses[0]
		o.statuses = o.statuses[1:]
	}
	block := o.block
	o.mu.Unlock()

	if block != nil && n == 1 {
		select {
		case <-block:
		case <-r.Context().Done():
			return
		}
	}

	if status != http.StatusOK {
		w.WriteHeader(status)
		fmt.Fprintf(w, "status %d from origin", status)
		return
	}
	io.WriteString(w, o.body)
}

func (o *origin) request() *http.Request {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastReq
}

func (o *origin) config() Config {
	cfg := DefaultConfig(o.server.URL + "/decisions/")
	cfg.RetryDelay = time.Millisecond
	cfg.Timeout = 5 * time.Second
	return cfg
}

func mustNew(cfg Config) *Loader {
	l, err := New(cfg)
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(l.Close)
	return l
}

// roundTripFunc serves requests without a network
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

var _ = Describe("Remote Loader", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	Context("with caching enabled", func() {
		It("serves a cached, unexpired key without a network call", func() {
			o := newOrigin(`{"x":1}`)
			l := mustNew(o.config())

			content, err := l.Load(ctx, "pricing.json")
			Expect(err).NotTo(HaveOccurred())
			Expect(string(content)).To(Equal(`{"x":1}`))
			Expect(o.calls.Load()).To(BeEquivalentTo(1))

			for i := 0; i < 5; i++ {
				content, err = l.Load(ctx, "pricing.json")
				Expect(err).NotTo(HaveOccurred())
				Expect(string(content)).To(Equal(`{"x":1}`))
			}
			Expect(o.calls.Load()).To(BeEquivalentTo(1))

			stats := l.CacheStats()
			Expect(stats.Hits).To(BeEquivalentTo(5))
			Expect(stats.Entries).To(Equal(1))
		})

		It("hands each caller its own copy of a cached document", func() {
			o := newOrigin(`{"x":1}`)
			l := mustNew(o.config())

			first, err := l.Load(ctx, "p.json")
			Expect(err).NotTo(HaveOccurred())
			first[2] = 'Z'

			second, err := l.Load(ctx, "p.json")
			Expect(err).NotTo(HaveOccurred())
			Expect(string(second)).To(Equal(`{"x":1}`))
			Expect(o.calls.Load()).To(BeEquivalentTo(1))
		})

		It("loads pricing.json from https://api.example/decisions and caches it", func() {
			var calls atomic.Int32
			var requested string
			cfg := DefaultConfig("https://api.example/decisions")
			cfg.HTTPClient = &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
				calls.Add(1)
				requested = r.URL.String()
				return &http.Response{
					StatusCode: http.StatusOK,
					Status:     "200 OK",
					Body:       io.NopCloser(strings.NewReader(`{"x":1}`)),
					Header:     make(http.Header),
					Request:    r,
				}, nil
			})}
			l := mustNew(cfg)

			content, err := l.Load(ctx, "pricing.json")
			Expect(err).NotTo(HaveOccurred())
			Expect(content).To(Equal([]byte(`{"x":1}`)))
			Expect(requested).To(Equal("https://api.example/decisions/pricing.json"))

			content, err = l.Load(ctx, "pricing.json")
			Expect(err).NotTo(HaveOccurred())
			Expect(content).To(Equal([]byte(`{"x":1}`)))
			Expect(calls.Load()).To(BeEquivalentTo(1))
		})

		It("refetches once the TTL has elapsed", func() {
			o := newOrigin("doc")
			cfg := o.config()
			cfg.Cache.TTL = 20 * time.Millisecond
			l := mustNew(cfg)

			_, err := l.Load(ctx, "a.json")
			Expect(err).NotTo(HaveOccurred())
			time.Sleep(40 * time.Millisecond)
			_, err = l.Load(ctx, "a.json")
			Expect(err).NotTo(HaveOccurred())

			Expect(o.calls.Load()).To(BeEquivalentTo(2))
		})

		It("refetches after Invalidate and ClearCache", func() {
			o := newOrigin("doc")
			l := mustNew(o.config())

			_, _ = l.Load(ctx, "a.json")
			Expect(l.Invalidate("a.json")).To(BeTrue())
			Expect(l.Invalidate("a.json")).To(BeFalse())
			_, _ = l.Load(ctx, "a.json")
			Expect(o.calls.Load()).To(BeEquivalentTo(2))

			l.ClearCache()
			Expect(l.CacheStats().Entries).To(BeZero())
			_, _ = l.Load(ctx, "a.json")
			Expect(o.calls.Load()).To(BeEquivalentTo(3))
		})

		It("never caches failures", func() {
			o := newOrigin("doc", http.StatusNotFound)
			l := mustNew(o.config())

			_, err := l.Load(ctx, "a.json")
			Expect(loader.IsNotFound(err)).To(BeTrue())

			content, err := l.Load(ctx, "a.json")
			Expect(err).NotTo(HaveOccurred())
			Expect(string(content)).To(Equal("doc"))
		})

		It("keeps the weight bound with the weight policy", func() {
			o := newOrigin(strings.Repeat("x", 100))
			cfg := o.config()
			cfg.Cache.Policy = cache.PolicyWeight
			cfg.Cache.MaxWeight = 3 * cache.EntryWeight("doc-0", make([]byte, 100))
			l := mustNew(cfg)

			for i := 0; i < 10; i++ {
				_, err := l.Load(ctx, fmt.Sprintf("doc-%d", i))
				Expect(err).NotTo(HaveOccurred())
				Expect(l.CacheStats().Weight).To(BeNumerically("<=", cfg.Cache.MaxWeight))
			}
			Expect(l.CacheStats().Entries).To(Equal(3))
			Expect(l.CacheStats().Evictions).To(BeEquivalentTo(7))
		})
	})

	Context("with caching disabled", func() {
		It("hits the origin on every load", func() {
			o := newOrigin("doc")
			cfg := o.config()
			cfg.Cache.Enabled = false
			l := mustNew(cfg)

			for i := 0; i < 3; i++ {
				_, err := l.Load(ctx, "a.json")
				Expect(err).NotTo(HaveOccurred())
			}
			Expect(o.calls.Load()).To(BeEquivalentTo(3))
			Expect(l.CacheStats()).To(Equal(cache.Stats{}))
			Expect(l.Invalidate("a.json")).To(BeFalse())
		})
	})

	Context("when the origin fails", func() {
		It("succeeds after MaxRetries 503 responses with exactly MaxRetries+1 fetches", func() {
			for _, maxRetries := range []int{0, 1, 3, 5} {
				statuses := make([]int, maxRetries)
				for i := range statuses {
					statuses[i] = http.StatusServiceUnavailable
				}
				o := newOrigin("ok", statuses...)
				cfg := o.config()
				cfg.MaxRetries = maxRetries
				l := mustNew(cfg)

				content, err := l.Load(ctx, "a.json")
				Expect(err).NotTo(HaveOccurred(), "maxRetries=%d", maxRetries)
				Expect(string(content)).To(Equal("ok"))
				Expect(o.calls.Load()).To(BeEquivalentTo(maxRetries+1), "maxRetries=%d", maxRetries)
			}
		})

		It("fails with ServerUnavailable after MaxRetries+1 503 responses and stops", func() {
			for _, maxRetries := range []int{0, 2, 4} {
				statuses := make([]int, maxRetries+1)
				for i := range statuses {
					statuses[i] = http.StatusServiceUnavailable
				}
				o := newOrigin("never served", statuses...)
				cfg := o.config()
				cfg.MaxRetries = maxRetries
				l := mustNew(cfg)

				_, err := l.Load(ctx, "a.json")
				Expect(errors.Is(err, loader.ErrServerUnavailable)).To(BeTrue(), "maxRetries=%d: %v", maxRetries, err)
				Expect(o.calls.Load()).To(BeEquivalentTo(maxRetries+1))

				var lerr *loader.Error
				Expect(errors.As(err, &lerr)).To(BeTrue())
				Expect(lerr.Key).To(Equal("a.json"))
				Expect(lerr.Attempts).To(Equal(maxRetries + 1))
				Expect(lerr.StatusCode).To(Equal(http.StatusServiceUnavailable))
			}
		})

		It("never retries a 404", func() {
			o := newOrigin("doc", http.StatusNotFound)
			cfg := o.config()
			cfg.MaxRetries = 10
			l := mustNew(cfg)

			_, err := l.Load(ctx, "missing.json")
			Expect(loader.IsNotFound(err)).To(BeTrue())
			Expect(o.calls.Load()).To(BeEquivalentTo(1))

			var lerr *loader.Error
			Expect(errors.As(err, &lerr)).To(BeTrue())
			Expect(lerr.Attempts).To(Equal(1))
		})

		DescribeTable("rejects without retrying",
			func(status int, kind loader.Kind) {
				o := newOrigin("doc", status)
				cfg := o.config()
				cfg.MaxRetries = 5
				l := mustNew(cfg)

				_, err := l.Load(ctx, "a.json")
				Expect(loader.KindOf(err)).To(Equal(kind))
				Expect(o.calls.Load()).To(BeEquivalentTo(1))
				Expect(err.Error()).To(ContainSubstring(fmt.Sprintf("HTTP %d", status)))
			},
			Entry("400", http.StatusBadRequest, loader.KindRequestRejected),
			Entry("401", http.StatusUnauthorized, loader.KindRequestRejected),
			Entry("403", http.StatusForbidden, loader.KindRequestRejected),
			Entry("409", http.StatusConflict, loader.KindHTTP),
			Entry("418", http.StatusTeapot, loader.KindHTTP),
		)

		It("includes the response body for unexpected statuses", func() {
			o := newOrigin("doc", http.StatusTeapot)
			l := mustNew(o.config())

			_, err := l.Load(ctx, "a.json")
			Expect(err).To(MatchError(ContainSubstring("status 418 from origin")))
		})

		It("waits the backoff between retries: 500 three times, then 200", func() {
			o := newOrigin(`{"ok":true}`, 500, 500, 500)
			cfg := o.config()
			cfg.MaxRetries = 3
			cfg.RetryDelay = 10 * time.Millisecond
			l := mustNew(cfg)

			start := time.Now()
			content, err := l.Load(ctx, "a.json")
			elapsed := time.Since(start)

			Expect(err).NotTo(HaveOccurred())
			Expect(string(content)).To(Equal(`{"ok":true}`))
			Expect(elapsed).To(BeNumerically(">=", 70*time.Millisecond))
			Expect(o.calls.Load()).To(BeEquivalentTo(4))
		})

		It("retries transport failures and then reports ServerUnavailable", func() {
			var calls atomic.Int32
			cfg := DefaultConfig("http://origin.invalid")
			cfg.RetryDelay = time.Millisecond
			cfg.MaxRetries = 2
			cfg.HTTPClient = &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
				calls.Add(1)
				return nil, errors.New("connection refused")
			})}
			l := mustNew(cfg)

			_, err := l.Load(ctx, "a.json")
			Expect(errors.Is(err, loader.ErrServerUnavailable)).To(BeTrue())
			Expect(err).To(MatchError(ContainSubstring("connection refused")))
			Expect(calls.Load()).To(BeEquivalentTo(3))
		})

		It("treats an attempt timeout as retryable", func() {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if calls.Add(1) == 1 {
					select {
					case <-r.Context().Done():
					case <-time.After(time.Second):
					}
					return
				}
				io.WriteString(w, "late but fine")
			}))
			DeferCleanup(server.Close)

			cfg := DefaultConfig(server.URL)
			cfg.Timeout = 50 * time.Millisecond
			cfg.RetryDelay = time.Millisecond
			l := mustNew(cfg)

			content, err := l.Load(ctx, "a.json")
			Expect(err).NotTo(HaveOccurred())
			Expect(string(content)).To(Equal("late but fine"))
			Expect(calls.Load()).To(BeEquivalentTo(2))
		})

		It("reports the attempt timeout as the cause once retries are spent", func() {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				<-r.Context().Done()
			}))
			DeferCleanup(server.Close)

			cfg := DefaultConfig(server.URL)
			cfg.Timeout = 20 * time.Millisecond
			cfg.MaxRetries = 1
			cfg.RetryDelay = time.Millisecond
			l := mustNew(cfg)

			_, err := l.Load(ctx, "a.json")
			Expect(errors.Is(err, loader.ErrServerUnavailable)).To(BeTrue())
			Expect(errors.Is(err, context.DeadlineExceeded)).To(BeTrue())
		})

		It("rejects documents larger than MaxBodyBytes", func() {
			o := newOrigin(strings.Repeat("x", 11))
			cfg := o.config()
			cfg.MaxBodyBytes = 10
			l := mustNew(cfg)

			_, err := l.Load(ctx, "a.json")
			Expect(errors.Is(err, loader.ErrTooLarge)).To(BeTrue())
			Expect(o.calls.Load()).To(BeEquivalentTo(1))
			Expect(l.CacheStats().Entries).To(BeZero())
		})
	})

	Context("when the caller gives up", func() {
		It("stops waiting on backoff as soon as the context is canceled", func() {
			o := newOrigin("doc", 503, 503, 503)
			cfg := o.config()
			cfg.RetryDelay = time.Hour
			l := mustNew(cfg)

			cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
			defer cancel()

			start := time.Now()
			_, err := l.Load(cctx, "a.json")
			Expect(time.Since(start)).To(BeNumerically("<", 5*time.Second))
			Expect(errors.Is(err, loader.ErrCanceled)).To(BeTrue())
			Expect(errors.Is(err, context.DeadlineExceeded)).To(BeTrue())
			Expect(o.calls.Load()).To(BeEquivalentTo(1))
		})

		It("fails immediately with an already canceled context", func() {
			o := newOrigin("doc")
			l := mustNew(o.config())

			cctx, cancel := context.WithCancel(ctx)
			cancel()

			_, err := l.Load(cctx, "a.json")
			Expect(errors.Is(err, context.Canceled)).To(BeTrue())
			Expect(o.calls.Load()).To(BeZero())
		})
	})

	Context("with concurrent misses", func() {
		It("shares one fetch between callers", func() {
			o := newOrigin("shared")
			o.block = make(chan struct{})
			l := mustNew(o.config())

			var wg sync.WaitGroup
			results := make([]string, 10)
			for i := range results {
				wg.Add(1)
				go func(i int) {
					defer GinkgoRecover()
					defer wg.Done()
					content, err := l.Load(ctx, "hot.json")
					Expect(err).NotTo(HaveOccurred())
					results[i] = string(content)
				}(i)
			}

			Eventually(o.calls.Load).Should(BeEquivalentTo(1))
			time.Sleep(20 * time.Millisecond)
			close(o.block)
			wg.Wait()

			Expect(o.calls.Load()).To(BeEquivalentTo(1))
			for _, r := range results {
				Expect(r).To(Equal("shared"))
			}
		})

		It("gives callers sharing a fetch separate slices", func() {
			o := newOrigin("shared")
			o.block = make(chan struct{})
			cfg := o.config()
			cfg.Cache.Enabled = false
			l := mustNew(cfg)

			results := make([][]byte, 2)
			var wg sync.WaitGroup
			for i := range results {
				wg.Add(1)
				go func(i int) {
					defer GinkgoRecover()
					defer wg.Done()
					content, err := l.Load(ctx, "hot.json")
					Expect(err).NotTo(HaveOccurred())
					results[i] = content
				}(i)
			}

			Eventually(o.calls.Load).Should(BeEquivalentTo(1))
			time.Sleep(20 * time.Millisecond)
			close(o.block)
			wg.Wait()

			results[0][0] = 'X'
			Expect(string(results[1])).To(Equal("shared"))
		})

		It("fetches independently when coalescing is off", func() {
			release := make(chan struct{})
			var arrived atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				arrived.Add(1)
				<-release
				io.WriteString(w, "doc")
			}))
			DeferCleanup(server.Close)

			cfg := DefaultConfig(server.URL)
			cfg.Coalesce = false
			cfg.Cache.Enabled = false
			l := mustNew(cfg)

			var wg sync.WaitGroup
			for i := 0; i < 5; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					_, err := l.Load(ctx, "a.json")
					Expect(err).NotTo(HaveOccurred())
				}()
			}

			Eventually(arrived.Load).Should(BeEquivalentTo(5))
			close(release)
			wg.Wait()
		})

		It("lets a follower finish when the caller that started the fetch gives up", func() {
			o := newOrigin("doc")
			o.block = make(chan struct{})
			DeferCleanup(func() { close(o.block) })
			l := mustNew(o.config())

			leaderCtx, cancelLeader := context.WithCancel(ctx)
			leaderErr := make(chan error, 1)
			go func() {
				_, err := l.Load(leaderCtx, "a.json")
				leaderErr <- err
			}()
			Eventually(o.calls.Load).Should(BeEquivalentTo(1))

			followerDone := make(chan []byte, 1)
			go func() {
				defer GinkgoRecover()
				content, err := l.Load(ctx, "a.json")
				Expect(err).NotTo(HaveOccurred())
				followerDone <- content
			}()
			time.Sleep(20 * time.Millisecond)

			cancelLeader()
			Eventually(leaderErr).Should(Receive(MatchError(loader.ErrCanceled)))
			Eventually(followerDone).Should(Receive(Equal([]byte("doc"))))
		})
	})

	Context("request composition", func() {
		It("sends static and provider headers, the provider winning", func() {
			o := newOrigin("doc")
			cfg := o.config()
			cfg.SetHeader("X-Tenant", "acme")
			cfg.SetBearerToken("static")
			cfg.HeaderProvider = func(context.Context) (map[string]string, error) {
				return map[string]string{"Authorization": "Bearer rotated"}, nil
			}
			l := mustNew(cfg)

			_, err := l.Load(ctx, "a.json")
			Expect(err).NotTo(HaveOccurred())

			req := o.request()
			Expect(req.Header.Get("X-Tenant")).To(Equal("acme"))
			Expect(req.Header.Get("Authorization")).To(Equal("Bearer rotated"))
		})

		It("replaces a lowercase static header with the provider's value", func() {
			o := newOrigin("doc")
			cfg := o.config()
			cfg.Headers = http.Header{"authorization": {"Bearer static"}}
			cfg.HeaderProvider = func(context.Context) (map[string]string, error) {
				return map[string]string{"Authorization": "Bearer dynamic"}, nil
			}
			l := mustNew(cfg)

			_, err := l.Load(ctx, "a.json")
			Expect(err).NotTo(HaveOccurred())

			Expect(o.request().Header.Values("Authorization")).To(Equal([]string{"Bearer dynamic"}))
		})

		It("fails with ProviderFailure and no request when the provider errors", func() {
			o := newOrigin("doc")
			cfg := o.config()
			cfg.HeaderProvider = func(context.Context) (map[string]string, error) {
				return nil, errors.New("vault sealed")
			}
			l := mustNew(cfg)

			_, err := l.Load(ctx, "a.json")
			Expect(errors.Is(err, loader.ErrProviderFailure)).To(BeTrue())
			Expect(err).To(MatchError(ContainSubstring("vault sealed")))
			Expect(o.calls.Load()).To(BeZero())
		})

		It("escapes the key as one path segment", func() {
			o := newOrigin("doc")
			l := mustNew(o.config())

			_, err := l.Load(ctx, "eu/rules v2?.json")
			Expect(err).NotTo(HaveOccurred())
			Expect(o.request().URL.EscapedPath()).To(Equal("/decisions/eu%2Frules%20v2%3F.json"))
			Expect(o.request().URL.RawQuery).To(BeEmpty())
		})

		It("rejects an empty key without a request", func() {
			o := newOrigin("doc")
			l := mustNew(o.config())

			_, err := l.Load(ctx, "")
			Expect(errors.Is(err, loader.ErrRequestRejected)).To(BeTrue())
			Expect(o.calls.Load()).To(BeZero())
		})
	})

	Context("after Close", func() {
		It("fails loads with Unavailable", func() {
			o := newOrigin("doc")
			l := mustNew(o.config())
			_, _ = l.Load(ctx, "a.json")

			Expect(l.Close()).To(Succeed())
			Expect(l.Close()).To(Succeed())

			_, err := l.Load(ctx, "a.json")
			Expect(errors.Is(err, loader.ErrUnavailable)).To(BeTrue())
		})
	})

	DescribeTable("rejects invalid configuration",
		func(mutate func(*Config), fragment string) {
			cfg := DefaultConfig("https://api.example/decisions")
			mutate(&cfg)

			_, err := New(cfg)
			Expect(errors.Is(err, loader.ErrConfigurationInvalid)).To(BeTrue())
			Expect(err).To(MatchError(ContainSubstring(fragment)))
		},
		Entry("missing base URL", func(c *Config) { c.BaseURL = "" }, "baseURL is required"),
		Entry("unsupported scheme", func(c *Config) { c.BaseURL = "ftp://api.example" }, "http or https"),
		Entry("no host", func(c *Config) { c.BaseURL = "https://" }, "has no host"),
		Entry("query in base URL", func(c *Config) { c.BaseURL = "https://api.example/d?x=1" }, "query or fragment"),
		Entry("bad header name", func(c *Config) { c.SetHeader("Bad Header", "v") }, "header name"),
		Entry("bad header value", func(c *Config) { c.Headers["X-Token"] = []string{"a\nb"} }, "invalid value"),
		Entry("zero timeout", func(c *Config) { c.Timeout = 0 }, "timeout must be positive"),
		Entry("negative retries", func(c *Config) { c.MaxRetries = -1 }, "maxRetries"),
		Entry("retries without delay", func(c *Config) { c.RetryDelay = 0 }, "retryDelay"),
		Entry("negative body limit", func(c *Config) { c.MaxBodyBytes = -1 }, "maxBodyBytes"),
		Entry("zero ttl", func(c *Config) { c.Cache.TTL = 0 }, "cache.ttl"),
		Entry("zero max entries", func(c *Config) { c.Cache.MaxEntries = 0 }, "cache.maxEntries"),
		Entry("unknown policy", func(c *Config) { c.Cache.Policy = cache.Policy(99) }, "cache.policy"),
	)

	It("reports every configuration problem at once", func() {
		cfg := DefaultConfig("")
		cfg.Timeout = 0
		cfg.MaxBodyBytes = -1

		err := cfg.Validate()
		Expect(err).To(MatchError(ContainSubstring("baseURL is required")))
		Expect(err).To(MatchError(ContainSubstring("timeout must be positive")))
		Expect(err).To(MatchError(ContainSubstring("maxBodyBytes")))
	})

	It("accepts a disabled cache without cache settings", func() {
		cfg := DefaultConfig("https://api.example")
		cfg.Cache = CacheConfig{}
		Expect(cfg.Validate()).To(Succeed())
	})
})
