package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/chazu/decisionloader/pkg/cache"
	"github.com/chazu/decisionloader/pkg/loader"
	"github.com/chazu/decisionloader/pkg/remote"
)

// Options supplies what some source types need beyond the file itself
type Options struct {
	// Client reads ConfigMaps and credential Secrets. Required for configmap
	// sources and for git or oci sources with a secret.
	Client client.Client

	// Namespace is used for references without one. Default: "default"
	Namespace string

	// Getenv expands ${VAR} in header values and credentials. Default: os.Getenv
	Getenv func(string) string
}

// Build creates a registry holding one loader per source. If any source
// fails, the loaders already built are closed and the error names the
// source index and field.
func Build(ctx context.Context, f *File, opts Options) (*loader.Registry, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if opts.Namespace == "" {
		opts.Namespace = "default"
	}
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}

	logger := log.FromContext(ctx)
	reg := loader.NewRegistry()

	for i, src := range f.Sources {
		b := &builder{index: i, opts: opts}
		l, err := b.build(ctx, src)
		if err != nil {
			_ = reg.Close()
			return nil, err
		}
		if src.Cached && src.Type != TypeRemote {
			l = loader.NewCachedLoader(l)
		}
		if err := reg.Register(src.Name, l); err != nil {
			_ = reg.Close()
			return nil, fmt.Errorf("sources[%d].name: %w", i, err)
		}
		logger.V(1).Info("Configured decision source", "name", src.Name, "type", src.Type)
	}

	return reg, nil
}

// builder creates the loader for one source and prefixes its errors
type builder struct {
	index int
	opts  Options
}

func (b *builder) errorf(field, format string, args ...interface{}) error {
	return fmt.Errorf("sources[%d].%s: %s", b.index, field, fmt.Sprintf(format, args...))
}

func (b *builder) wrap(field string, err error) error {
	return fmt.Errorf("sources[%d].%s: %w", b.index, field, err)
}

func (b *builder) build(ctx context.Context, src Source) (loader.Loader, error) {
	switch src.Type {
	case TypeRemote:
		return b.remote(src.Name, src.Remote)
	case TypeFilesystem:
		if src.Filesystem.Root == "" {
			return nil, b.errorf("filesystem.root", "required")
		}
		return loader.NewFilesystemLoader(src.Filesystem.Root, loader.WithKeepInMemory(src.Filesystem.KeepInMemory)), nil
	case TypeEmbedded:
		keep := src.Embedded != nil && src.Embedded.KeepInMemory
		return loader.NewEmbeddedLoader(loader.WithEmbeddedKeepInMemory(keep)), nil
	case TypeMemory:
		m := loader.NewMemoryLoader()
		for key, content := range src.Memory.Documents {
			m.AddString(key, content)
		}
		return m, nil
	case TypeGit:
		return b.git(ctx, src.Git)
	case TypeOCI:
		return b.oci(ctx, src.OCI)
	case TypeLevelDB:
		if src.LevelDB.Path == "" {
			return nil, b.errorf("leveldb.path", "required")
		}
		l, err := loader.OpenLevelDBLoader(src.LevelDB.Path)
		if err != nil {
			return nil, b.wrap("leveldb.path", err)
		}
		return l, nil
	case TypeConfigMap:
		if b.opts.Client == nil {
			return nil, b.errorf("configmap", "a Kubernetes client is required")
		}
		l, err := loader.NewConfigMapLoaderFromRef(b.opts.Client, src.ConfigMap.Ref, b.opts.Namespace)
		if err != nil {
			return nil, b.wrap("configmap.ref", err)
		}
		return l, nil
	default:
		return nil, b.errorf("type", "unsupported type %q", src.Type)
	}
}

func (b *builder) remote(name string, rs *RemoteSource) (loader.Loader, error) {
	if rs.BaseURL == "" {
		return nil, b.errorf("remote.baseURL", "required")
	}

	cfg := remote.DefaultConfig(rs.BaseURL)
	cfg.Name = name

	for header, value := range rs.Headers {
		cfg.SetHeader(header, b.expand(value))
	}
	if rs.BearerToken != "" {
		cfg.SetBearerToken(b.expand(rs.BearerToken))
	}
	if rs.APIKey != "" {
		cfg.SetAPIKey(b.expand(rs.APIKey))
	}
	if rs.BasicAuth != nil {
		cfg.SetBasicAuth(b.expand(rs.BasicAuth.Username), b.expand(rs.BasicAuth.Password))
	}

	var err error
	if cfg.Timeout, err = parseDuration(rs.Timeout, cfg.Timeout); err != nil {
		return nil, b.wrap("remote.timeout", err)
	}
	if cfg.RetryDelay, err = parseDuration(rs.RetryDelay, cfg.RetryDelay); err != nil {
		return nil, b.wrap("remote.retryDelay", err)
	}
	if cfg.MaxRetryDelay, err = parseDuration(rs.MaxRetryDelay, cfg.MaxRetryDelay); err != nil {
		return nil, b.wrap("remote.maxRetryDelay", err)
	}
	if cfg.MaxBodyBytes, err = parseSize(rs.MaxBodySize, cfg.MaxBodyBytes); err != nil {
		return nil, b.wrap("remote.maxBodySize", err)
	}
	if rs.MaxRetries != nil {
		cfg.MaxRetries = *rs.MaxRetries
	}
	if rs.Coalesce != nil {
		cfg.Coalesce = *rs.Coalesce
	}

	if c := rs.Cache; c != nil {
		if c.Enabled != nil {
			cfg.Cache.Enabled = *c.Enabled
		}
		if cfg.Cache.TTL, err = parseDuration(c.TTL, cfg.Cache.TTL); err != nil {
			return nil, b.wrap("remote.cache.ttl", err)
		}
		if c.MaxEntries != nil {
			cfg.Cache.MaxEntries = *c.MaxEntries
		}
		if cfg.Cache.MaxWeight, err = parseSize(c.MaxWeight, cfg.Cache.MaxWeight); err != nil {
			return nil, b.wrap("remote.cache.maxWeight", err)
		}
		if c.Policy != "" {
			if cfg.Cache.Policy, err = cache.ParsePolicy(c.Policy); err != nil {
				return nil, b.wrap("remote.cache.policy", err)
			}
		}
	}

	l, err := remote.New(cfg)
	if err != nil {
		return nil, b.wrap("remote", err)
	}
	return l, nil
}

func (b *builder) git(ctx context.Context, gs *GitSource) (loader.Loader, error) {
	if gs.URL == "" {
		return nil, b.errorf("git.url", "required")
	}
	source, err := loader.ParseGitSource(gs.URL)
	if err != nil {
		return nil, b.wrap("git.url", err)
	}

	var opts []loader.GitOption
	if gs.RefreshInterval != "" {
		d, err := parseDuration(gs.RefreshInterval, 0)
		if err != nil {
			return nil, b.wrap("git.refreshInterval", err)
		}
		opts = append(opts, loader.WithGitRefreshInterval(d))
	}
	if gs.Secret != "" {
		secret, err := b.secret(ctx, gs.Secret)
		if err != nil {
			return nil, b.wrap("git.secret", err)
		}
		auth, err := loader.GitAuthFromSecret(secret)
		if err != nil {
			return nil, b.wrap("git.secret", err)
		}
		opts = append(opts, loader.WithGitAuth(auth))
	}

	return loader.NewGitLoader(source, opts...), nil
}

func (b *builder) oci(ctx context.Context, src *OCISource) (loader.Loader, error) {
	if src.Reference == "" {
		return nil, b.errorf("oci.reference", "required")
	}
	ref, err := loader.ParseOCIReference(src.Reference)
	if err != nil {
		return nil, b.wrap("oci.reference", err)
	}

	opts := []loader.OCIOption{loader.WithOCIPlainHTTP(src.PlainHTTP)}
	if src.Secret != "" {
		secret, err := b.secret(ctx, src.Secret)
		if err != nil {
			return nil, b.wrap("oci.secret", err)
		}
		header, err := loader.OCIAuthHeaderFromSecret(secret, ref.Registry)
		if err != nil {
			return nil, b.wrap("oci.secret", err)
		}
		opts = append(opts, loader.WithOCIAuthHeader(header))
	}

	return loader.NewOCILoader(ref, opts...), nil
}

// secret reads a "namespace/name" or "name" Secret reference
func (b *builder) secret(ctx context.Context, ref string) (*corev1.Secret, error) {
	if b.opts.Client == nil {
		return nil, fmt.Errorf("a Kubernetes client is required to read secret %s", ref)
	}

	namespace, name := b.opts.Namespace, ref
	if ns, n, ok := strings.Cut(ref, "/"); ok {
		namespace, name = ns, n
	}
	if name == "" || namespace == "" {
		return nil, fmt.Errorf("invalid secret reference %q", ref)
	}

	secret := &corev1.Secret{}
	if err := b.opts.Client.Get(ctx, client.ObjectKey{Namespace: namespace, Name: name}, secret); err != nil {
		return nil, fmt.Errorf("failed to get secret %s/%s: %w", namespace, name, err)
	}
	return secret, nil
}

// expand replaces ${VAR} and $VAR from the environment
func (b *builder) expand(s string) string {
	return os.Expand(s, b.opts.Getenv)
}
