package loader

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

const (
	// DocumentsLayerMediaType marks the layer holding decision documents
	DocumentsLayerMediaType = "application/vnd.decisionloader.documents.v1.tar+gzip"

	// DocumentsArtifactType is the artifact type of a decision bundle
	DocumentsArtifactType = "application/vnd.decisionloader.bundle.v1+json"

	// FallbackLayerMediaType is used when no documents layer is present
	FallbackLayerMediaType = "application/vnd.oci.image.layer.v1.tar+gzip"

	// ZipLayerMediaType is accepted for bundles pushed as plain zip archives
	ZipLayerMediaType = "application/zip"

	manifestAccept = "application/vnd.oci.image.manifest.v1+json, application/vnd.docker.distribution.manifest.v2+json"
)

// OCIReference identifies a decision bundle in an OCI registry
type OCIReference struct {
	Registry   string
	Repository string
	Tag        string
	Digest     string
}

// String formats the reference as registry/repo:tag or registry/repo@digest
func (r OCIReference) String() string {
	if r.Digest != "" {
		return fmt.Sprintf("%s/%s@%s", r.Registry, r.Repository, r.Digest)
	}
	return fmt.Sprintf("%s/%s:%s", r.Registry, r.Repository, r.Tag)
}

// ParseOCIReference parses an OCI reference
// Supports formats:
//   - registry/repo:tag
//   - registry/repo@sha256:...
//   - registry:port/repo:tag
//   - repo:tag (Docker Hub)
func ParseOCIReference(ref string) (OCIReference, error) {
	var out OCIReference
	ref = strings.TrimPrefix(ref, "oci://")

	if idx := strings.LastIndex(ref, "@"); idx != -1 {
		out.Digest = ref[idx+1:]
		ref = ref[:idx]
		if _, err := digest.Parse(out.Digest); err != nil {
			return OCIReference{}, fmt.Errorf("invalid digest %q: %w", out.Digest, err)
		}
	}

	if idx := strings.LastIndex(ref, ":"); idx != -1 {
		// A colon followed by a slash belongs to a registry port
		afterColon := ref[idx+1:]
		if !strings.Contains(afterColon, "/") {
			if out.Digest == "" {
				out.Tag = afterColon
			}
			ref = ref[:idx]
		}
	}

	if out.Tag == "" && out.Digest == "" {
		out.Tag = "latest"
	}

	parts := strings.SplitN(ref, "/", 2)
	if len(parts) < 2 || parts[1] == "" {
		if ref == "" {
			return OCIReference{}, fmt.Errorf("invalid OCI reference format: %q", ref)
		}
		out.Registry = "registry-1.docker.io"
		out.Repository = "library/" + ref
		return out, nil
	}

	// First part is a registry if it contains a dot, colon, or is "localhost"
	if strings.Contains(parts[0], ".") || strings.Contains(parts[0], ":") || parts[0] == "localhost" {
		out.Registry = parts[0]
		out.Repository = parts[1]
	} else {
		out.Registry = "registry-1.docker.io"
		out.Repository = ref
	}

	return out, nil
}

// ociSnapshot is an immutable view of one extracted bundle
type ociSnapshot struct {
	manifestDigest string
	docs           map[string][]byte
}

// OCILoader serves decision documents packed into a single layer of an OCI
// artifact. The layer is pulled and extracted on first use or on Sync; Load
// then reads from memory.
type OCILoader struct {
	ref        OCIReference
	client     *http.Client
	scheme     string
	authHeader string

	syncMu   sync.Mutex
	snapshot atomic.Pointer[ociSnapshot]
}

// OCIOption configures an OCILoader
type OCIOption func(*OCILoader)

// WithOCIPlainHTTP talks to the registry over http instead of https
func WithOCIPlainHTTP(plain bool) OCIOption {
	return func(l *OCILoader) {
		if plain {
			l.scheme = "http"
		} else {
			l.scheme = "https"
		}
	}
}

// WithOCIAuthHeader sets the Authorization header sent to the registry
func WithOCIAuthHeader(header string) OCIOption {
	return func(l *OCILoader) {
		l.authHeader = header
	}
}

// WithOCIHTTPClient replaces the default HTTP client
func WithOCIHTTPClient(c *http.Client) OCIOption {
	return func(l *OCILoader) {
		l.client = c
	}
}

// NewOCILoader creates a loader for ref
func NewOCILoader(ref OCIReference, opts ...OCIOption) *OCILoader {
	l := &OCILoader{
		ref:    ref,
		client: &http.Client{},
		scheme: "https",
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load returns the file named key from the bundle
func (l *OCILoader) Load(ctx context.Context, key string) ([]byte, error) {
	snap := l.snapshot.Load()
	if snap == nil {
		if err := l.sync(ctx, false); err != nil {
			return nil, IOFailure(key, err)
		}
		snap = l.snapshot.Load()
	}

	content, ok := snap.docs[key]
	if !ok {
		return nil, NotFound(key, fmt.Errorf("no such file in %s", l.ref))
	}
	return bytes.Clone(content), nil
}

// Digest returns the manifest digest of the current snapshot, or "" before the first sync
func (l *OCILoader) Digest() string {
	if snap := l.snapshot.Load(); snap != nil {
		return snap.manifestDigest
	}
	return ""
}

// Keys returns the document keys of the current snapshot, sorted
func (l *OCILoader) Keys() []string {
	snap := l.snapshot.Load()
	if snap == nil {
		return nil
	}
	keys := make([]string, 0, len(snap.docs))
	for k := range snap.docs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Sync re-resolves the reference and replaces the snapshot when the manifest changed
func (l *OCILoader) Sync(ctx context.Context) error {
	return l.sync(ctx, true)
}

func (l *OCILoader) sync(ctx context.Context, force bool) error {
	l.syncMu.Lock()
	defer l.syncMu.Unlock()

	current := l.snapshot.Load()
	if !force && current != nil {
		return nil
	}

	logger := log.FromContext(ctx).WithValues("ref", l.ref.String())

	manifestDigest := l.ref.Digest
	if manifestDigest == "" {
		resolved, err := l.resolveTag(ctx)
		if err != nil {
			return fmt.Errorf("failed to resolve tag: %w", err)
		}
		manifestDigest = resolved
	}

	if current != nil && current.manifestDigest == manifestDigest {
		logger.V(1).Info("OCI decisions unchanged", "digest", manifestDigest)
		return nil
	}

	manifest, err := l.fetchManifest(ctx, manifestDigest)
	if err != nil {
		return fmt.Errorf("failed to fetch manifest: %w", err)
	}

	layer, err := findDocumentsLayer(manifest)
	if err != nil {
		return err
	}

	docs, err := l.fetchAndExtractLayer(ctx, layer)
	if err != nil {
		return fmt.Errorf("failed to fetch layer: %w", err)
	}

	l.snapshot.Store(&ociSnapshot{
		manifestDigest: manifestDigest,
		docs:           docs,
	})
	logger.V(1).Info("Synced OCI decisions", "digest", manifestDigest, "documents", len(docs))
	return nil
}

func (l *OCILoader) url(kind, reference string) string {
	return fmt.Sprintf("%s://%s/v2/%s/%s/%s", l.scheme, l.ref.Registry, l.ref.Repository, kind, reference)
}

func (l *OCILoader) newRequest(ctx context.Context, method, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	if l.authHeader != "" {
		req.Header.Set("Authorization", l.authHeader)
	}
	return req, nil
}

// resolveTag resolves the tag to a manifest digest
func (l *OCILoader) resolveTag(ctx context.Context) (string, error) {
	req, err := l.newRequest(ctx, http.MethodHead, l.url("manifests", l.ref.Tag))
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", manifestAccept)

	resp, err := l.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	dgst := resp.Header.Get("Docker-Content-Digest")
	if dgst == "" {
		return "", fmt.Errorf("no digest in response headers")
	}
	if _, err := digest.Parse(dgst); err != nil {
		return "", fmt.Errorf("invalid digest %q: %w", dgst, err)
	}
	return dgst, nil
}

// fetchManifest fetches the manifest by digest and checks it against that digest
func (l *OCILoader) fetchManifest(ctx context.Context, dgst string) (*ocispec.Manifest, error) {
	req, err := l.newRequest(ctx, http.MethodGet, l.url("manifests", dgst))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", manifestAccept)

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d, body: %s", resp.StatusCode, truncate(body, 512))
	}

	if digest.Digest(dgst).Algorithm().Available() {
		if got := digest.Digest(dgst).Algorithm().FromBytes(body); got.String() != dgst {
			return nil, fmt.Errorf("manifest digest mismatch: expected %s, got %s", dgst, got)
		}
	}

	var manifest ocispec.Manifest
	if err := json.Unmarshal(body, &manifest); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	return &manifest, nil
}

// findDocumentsLayer picks the layer to extract, preferring the documents media type
func findDocumentsLayer(manifest *ocispec.Manifest) (ocispec.Descriptor, error) {
	for _, mediaType := range []string{DocumentsLayerMediaType, FallbackLayerMediaType, ZipLayerMediaType} {
		for _, layer := range manifest.Layers {
			if layer.MediaType == mediaType {
				return layer, nil
			}
		}
	}
	if len(manifest.Layers) > 0 {
		return manifest.Layers[0], nil
	}
	return ocispec.Descriptor{}, fmt.Errorf("no layers in manifest")
}

// fetchAndExtractLayer pulls the blob, verifies its digest and extracts it
func (l *OCILoader) fetchAndExtractLayer(ctx context.Context, layer ocispec.Descriptor) (map[string][]byte, error) {
	req, err := l.newRequest(ctx, http.MethodGet, l.url("blobs", layer.Digest.String()))
	if err != nil {
		return nil, err
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read layer body: %w", err)
	}

	verifier := layer.Digest.Verifier()
	if _, err := verifier.Write(body); err != nil {
		return nil, err
	}
	if !verifier.Verified() {
		return nil, fmt.Errorf("layer digest verification failed for %s", layer.Digest)
	}

	if layer.MediaType == ZipLayerMediaType || strings.HasSuffix(layer.MediaType, "zip") {
		return extractZip(body)
	}
	return extractTarGzip(body)
}

// extractTarGzip returns every regular, non-hidden file of a tar.gz archive
func extractTarGzip(data []byte) (map[string][]byte, error) {
	gzr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gzr.Close()

	docs := make(map[string][]byte)
	tr := tar.NewReader(gzr)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read tar: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		name, ok := archiveKey(header.Name)
		if !ok {
			continue
		}
		content, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", header.Name, err)
		}
		docs[name] = content
	}
	return docs, nil
}

// extractZip returns every regular, non-hidden file of a zip archive
func extractZip(data []byte) (map[string][]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open ZIP archive: %w", err)
	}

	docs := make(map[string][]byte)
	for _, file := range zr.File {
		if !file.Mode().IsRegular() {
			continue
		}
		name, ok := archiveKey(file.Name)
		if !ok {
			continue
		}

		rc, err := file.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", file.Name, err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", file.Name, err)
		}
		docs[name] = content
	}
	return docs, nil
}

// archiveKey turns an archive entry name into a document key. Hidden entries
// and entries escaping the archive root are skipped.
func archiveKey(name string) (string, bool) {
	name = path.Clean(strings.TrimPrefix(name, "./"))
	if name == "." || strings.HasPrefix(name, "../") || path.IsAbs(name) {
		return "", false
	}
	for _, part := range strings.Split(name, "/") {
		if strings.HasPrefix(part, ".") {
			return "", false
		}
	}
	return name, true
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

// OCIAuthHeaderFromSecret builds a registry Authorization header from a
// Kubernetes pull secret
func OCIAuthHeaderFromSecret(secret *corev1.Secret, registry string) (string, error) {
	if secret == nil {
		return "", nil
	}

	switch secret.Type {
	case corev1.SecretTypeDockerConfigJson:
		configJSON, ok := secret.Data[corev1.DockerConfigJsonKey]
		if !ok {
			return "", fmt.Errorf("secret missing %s key", corev1.DockerConfigJsonKey)
		}

		var config struct {
			Auths map[string]struct {
				Auth string `json:"auth"`
			} `json:"auths"`
		}
		if err := json.Unmarshal(configJSON, &config); err != nil {
			return "", fmt.Errorf("failed to parse docker config: %w", err)
		}

		for reg, auth := range config.Auths {
			cleanReg := strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(reg, "https://"), "http://"), "/")
			if cleanReg == registry {
				return "Basic " + auth.Auth, nil
			}
		}
		return "", fmt.Errorf("no auth found for registry %s", registry)

	case corev1.SecretTypeBasicAuth:
		return basicAuthHeader(
			string(secret.Data[corev1.BasicAuthUsernameKey]),
			string(secret.Data[corev1.BasicAuthPasswordKey]),
		), nil

	default:
		if username, ok := secret.Data["username"]; ok {
			return basicAuthHeader(string(username), string(secret.Data["password"])), nil
		}
		return "", fmt.Errorf("unsupported secret type: %s", secret.Type)
	}
}

func basicAuthHeader(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}
