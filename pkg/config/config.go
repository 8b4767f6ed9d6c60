// Package config reads the YAML file that describes named decision sources
// and builds a loader for each of them.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/api/resource"
)

// Source types
const (
	TypeRemote     = "remote"
	TypeFilesystem = "filesystem"
	TypeEmbedded   = "embedded"
	TypeMemory     = "memory"
	TypeGit        = "git"
	TypeOCI        = "oci"
	TypeLevelDB    = "leveldb"
	TypeConfigMap  = "configmap"
)

var knownTypes = map[string]bool{
	TypeRemote:     true,
	TypeFilesystem: true,
	TypeEmbedded:   true,
	TypeMemory:     true,
	TypeGit:        true,
	TypeOCI:        true,
	TypeLevelDB:    true,
	TypeConfigMap:  true,
}

// File is the top level of the configuration file
type File struct {
	Sources []Source `yaml:"sources"`
}

// Source describes one named loader. Exactly the section matching Type is read.
type Source struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`

	// Cached wraps the loader in an unbounded in-memory cache. Not used for
	// remote sources, which have their own.
	Cached bool `yaml:"cached"`

	Remote     *RemoteSource     `yaml:"remote"`
	Filesystem *FilesystemSource `yaml:"filesystem"`
	Embedded   *EmbeddedSource   `yaml:"embedded"`
	Memory     *MemorySource     `yaml:"memory"`
	Git        *GitSource        `yaml:"git"`
	OCI        *OCISource        `yaml:"oci"`
	LevelDB    *LevelDBSource    `yaml:"leveldb"`
	ConfigMap  *ConfigMapSource  `yaml:"configmap"`
}

// RemoteSource configures an HTTP origin. Durations use Go syntax ("30s"),
// sizes use Kubernetes quantities ("16Mi"). Header values and credentials
// are expanded from the environment.
type RemoteSource struct {
	BaseURL       string            `yaml:"baseURL"`
	Headers       map[string]string `yaml:"headers"`
	BearerToken   string            `yaml:"bearerToken"`
	APIKey        string            `yaml:"apiKey"`
	BasicAuth     *BasicAuth        `yaml:"basicAuth"`
	Timeout       string            `yaml:"timeout"`
	MaxRetries    *int              `yaml:"maxRetries"`
	RetryDelay    string            `yaml:"retryDelay"`
	MaxRetryDelay string            `yaml:"maxRetryDelay"`
	MaxBodySize   string            `yaml:"maxBodySize"`
	Coalesce      *bool             `yaml:"coalesce"`
	Cache         *CacheSource      `yaml:"cache"`
}

type BasicAuth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// CacheSource configures the remote loader's cache. Unset fields keep their defaults.
type CacheSource struct {
	Enabled    *bool  `yaml:"enabled"`
	TTL        string `yaml:"ttl"`
	MaxEntries *int   `yaml:"maxEntries"`
	MaxWeight  string `yaml:"maxWeight"`
	Policy     string `yaml:"policy"`
}

type FilesystemSource struct {
	Root         string `yaml:"root"`
	KeepInMemory bool   `yaml:"keepInMemory"`
}

// EmbeddedSource serves the sample documents compiled into the binary
type EmbeddedSource struct {
	KeepInMemory bool `yaml:"keepInMemory"`
}

// MemorySource holds documents inline, keyed by document key
type MemorySource struct {
	Documents map[string]string `yaml:"documents"`
}

// GitSource points at a repository directory. Secret is an optional
// "namespace/name" reference to a Kubernetes Secret holding credentials.
type GitSource struct {
	URL             string `yaml:"url"`
	Secret          string `yaml:"secret"`
	RefreshInterval string `yaml:"refreshInterval"`
}

// OCISource points at an artifact in an OCI registry
type OCISource struct {
	Reference string `yaml:"reference"`
	PlainHTTP bool   `yaml:"plainHTTP"`
	Secret    string `yaml:"secret"`
}

type LevelDBSource struct {
	Path string `yaml:"path"`
}

// ConfigMapSource is a "namespace/name" or "name" reference
type ConfigMapSource struct {
	Ref string `yaml:"ref"`
}

// LoadFile reads and parses the configuration file at path
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a configuration file. Unknown fields are rejected so that a
// misspelled option fails loudly.
func Parse(data []byte) (*File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	f := &File{}
	if err := dec.Decode(f); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Validate checks names and types. Type-specific settings are checked when
// the source is built.
func (f *File) Validate() error {
	if len(f.Sources) == 0 {
		return fmt.Errorf("sources: at least one source is required")
	}

	seen := make(map[string]int, len(f.Sources))
	for i, s := range f.Sources {
		if s.Name == "" {
			return fmt.Errorf("sources[%d].name: required", i)
		}
		if prev, ok := seen[s.Name]; ok {
			return fmt.Errorf("sources[%d].name: %q is already used by sources[%d]", i, s.Name, prev)
		}
		seen[s.Name] = i

		if !knownTypes[s.Type] {
			return fmt.Errorf("sources[%d].type: unsupported type %q", i, s.Type)
		}
		if !s.hasSection() {
			return fmt.Errorf("sources[%d].%s: section is required for type %q", i, s.Type, s.Type)
		}
	}
	return nil
}

func (s Source) hasSection() bool {
	switch s.Type {
	case TypeRemote:
		return s.Remote != nil
	case TypeFilesystem:
		return s.Filesystem != nil
	case TypeEmbedded:
		// every field is optional
		return true
	case TypeMemory:
		return s.Memory != nil
	case TypeGit:
		return s.Git != nil
	case TypeOCI:
		return s.OCI != nil
	case TypeLevelDB:
		return s.LevelDB != nil
	case TypeConfigMap:
		return s.ConfigMap != nil
	default:
		return false
	}
}

// parseDuration returns def for an empty string
func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("must not be negative, got %s", s)
	}
	return d, nil
}

// parseSize parses a quantity such as "16Mi" into bytes, returning def for
// an empty string
func parseSize(s string, def int64) (int64, error) {
	if s == "" {
		return def, nil
	}
	q, err := resource.ParseQuantity(s)
	if err != nil {
		return 0, err
	}
	n, ok := q.AsInt64()
	if !ok || n <= 0 {
		return 0, fmt.Errorf("must be a positive whole number of bytes, got %s", s)
	}
	return n, nil
}
