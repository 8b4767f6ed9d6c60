package loader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"github.com/go-git/go-git/v5/storage/memory"
	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// GitSource identifies a directory of decision documents in a Git repository
type GitSource struct {
	URL  string
	Ref  string // branch, tag, or commit SHA
	Path string // directory within the repository
}

// ParseGitSource parses a Git reference string
// Format: https://github.com/org/repo.git?ref=v1.0.0&path=decisions
func ParseGitSource(ref string) (GitSource, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return GitSource{}, fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme == "" {
		return GitSource{}, fmt.Errorf("git URL %q has no scheme", ref)
	}

	query := u.Query()
	gitRef := query.Get("ref")
	dir := strings.Trim(query.Get("path"), "/")

	u.RawQuery = ""
	cleanURL := u.String()

	// If no .git suffix and not a file:// URL, add it
	if !strings.HasSuffix(cleanURL, ".git") && u.Scheme != "file" {
		cleanURL += ".git"
	}

	return GitSource{
		URL:  cleanURL,
		Ref:  gitRef,
		Path: dir,
	}, nil
}

// isCommitSHA reports whether ref looks like a full or abbreviated commit hash
func isCommitSHA(ref string) bool {
	if len(ref) != 40 && len(ref) != 7 {
		return false
	}
	for _, r := range ref {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return false
		}
	}
	return true
}

// gitSnapshot is an immutable view of the documents at one commit
type gitSnapshot struct {
	commit   string
	docs     map[string][]byte
	syncedAt time.Time
}

// GitLoader serves decision documents from a Git repository. The repository
// is cloned into memory on first use (or on Sync) and documents are read from
// the resolved commit; nothing is written to disk.
type GitLoader struct {
	source GitSource

	// open returns the repository to read from
	open func(ctx context.Context) (*git.Repository, error)

	refreshInterval time.Duration

	syncMu   sync.Mutex
	snapshot atomic.Pointer[gitSnapshot]
}

// GitOption configures a GitLoader
type GitOption func(*gitOptions)

type gitOptions struct {
	auth            transport.AuthMethod
	refreshInterval time.Duration
}

// WithGitAuth sets the credentials used to clone
func WithGitAuth(auth transport.AuthMethod) GitOption {
	return func(o *gitOptions) {
		o.auth = auth
	}
}

// WithGitRefreshInterval re-syncs the repository on Load once the current
// snapshot is older than d. Zero disables automatic refresh.
func WithGitRefreshInterval(d time.Duration) GitOption {
	return func(o *gitOptions) {
		o.refreshInterval = d
	}
}

// NewGitLoader creates a loader that clones source.URL
func NewGitLoader(source GitSource, opts ...GitOption) *GitLoader {
	o := gitOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	l := &GitLoader{
		source:          source,
		refreshInterval: o.refreshInterval,
	}
	l.open = func(ctx context.Context) (*git.Repository, error) {
		return cloneGitRepository(ctx, source, o.auth)
	}
	return l
}

// NewGitLoaderFromRepository creates a loader over an already opened
// repository. Documents are read from HEAD, or from source.Ref when set.
func NewGitLoaderFromRepository(repo *git.Repository, source GitSource, opts ...GitOption) *GitLoader {
	o := gitOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	return &GitLoader{
		source:          source,
		refreshInterval: o.refreshInterval,
		open: func(context.Context) (*git.Repository, error) {
			return repo, nil
		},
	}
}

// Load returns the file at Path/key in the synced commit
func (l *GitLoader) Load(ctx context.Context, key string) ([]byte, error) {
	snap, err := l.current(ctx)
	if err != nil {
		return nil, IOFailure(key, err)
	}

	content, ok := snap.docs[key]
	if !ok {
		return nil, NotFound(key, fmt.Errorf("no such file at commit %s", shortSHA(snap.commit)))
	}
	return bytes.Clone(content), nil
}

// Commit returns the commit SHA of the current snapshot, or "" before the first sync
func (l *GitLoader) Commit() string {
	if snap := l.snapshot.Load(); snap != nil {
		return snap.commit
	}
	return ""
}

// Keys returns the document keys in the current snapshot
func (l *GitLoader) Keys(ctx context.Context) ([]string, error) {
	snap, err := l.current(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(snap.docs))
	for k := range snap.docs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// current returns the snapshot to serve from, syncing when missing or stale
func (l *GitLoader) current(ctx context.Context) (*gitSnapshot, error) {
	snap := l.snapshot.Load()
	if snap != nil && (l.refreshInterval <= 0 || time.Since(snap.syncedAt) < l.refreshInterval) {
		return snap, nil
	}

	if err := l.sync(ctx, false); err != nil {
		if snap != nil {
			// Keep serving the previous commit
			log.FromContext(ctx).Error(err, "Failed to refresh Git decisions, serving previous commit",
				"url", l.source.URL, "commit", snap.commit)
			return snap, nil
		}
		return nil, err
	}
	return l.snapshot.Load(), nil
}

// Sync fetches the repository and replaces the snapshot
func (l *GitLoader) Sync(ctx context.Context) error {
	return l.sync(ctx, true)
}

func (l *GitLoader) sync(ctx context.Context, force bool) error {
	l.syncMu.Lock()
	defer l.syncMu.Unlock()

	// Another caller may have synced while we waited
	if snap := l.snapshot.Load(); !force && snap != nil &&
		(l.refreshInterval <= 0 || time.Since(snap.syncedAt) < l.refreshInterval) {
		return nil
	}

	logger := log.FromContext(ctx).WithValues("url", l.source.URL, "ref", l.source.Ref)

	repo, err := l.open(ctx)
	if err != nil {
		return err
	}

	hash, err := resolveGitRevision(repo, l.source.Ref)
	if err != nil {
		return err
	}

	commit, err := repo.CommitObject(hash)
	if err != nil {
		return fmt.Errorf("failed to get commit %s: %w", hash, err)
	}

	docs, err := readGitDocuments(commit, l.source.Path)
	if err != nil {
		return err
	}

	l.snapshot.Store(&gitSnapshot{
		commit:   hash.String(),
		docs:     docs,
		syncedAt: time.Now(),
	})
	logger.V(1).Info("Synced Git decisions", "commit", shortSHA(hash.String()), "documents", len(docs))
	return nil
}

// cloneGitRepository makes a bare in-memory clone of source
func cloneGitRepository(ctx context.Context, source GitSource, auth transport.AuthMethod) (*git.Repository, error) {
	cloneOpts := &git.CloneOptions{
		URL:      source.URL,
		Auth:     auth,
		Depth:    1, // Shallow clone for speed
		Progress: io.Discard,
	}

	if source.Ref != "" {
		if isCommitSHA(source.Ref) {
			// Full clone needed for specific commit
			cloneOpts.Depth = 0
		} else {
			cloneOpts.ReferenceName = plumbing.NewBranchReferenceName(source.Ref)
			cloneOpts.SingleBranch = true
		}
	}

	repo, err := git.CloneContext(ctx, memory.NewStorage(), nil, cloneOpts)
	if err != nil && source.Ref != "" && !isCommitSHA(source.Ref) {
		// Try as tag if branch clone failed
		cloneOpts.ReferenceName = plumbing.NewTagReferenceName(source.Ref)
		repo, err = git.CloneContext(ctx, memory.NewStorage(), nil, cloneOpts)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to clone repository %s: %w", source.URL, err)
	}

	return repo, nil
}

// resolveGitRevision resolves ref to a commit, defaulting to HEAD
func resolveGitRevision(repo *git.Repository, ref string) (plumbing.Hash, error) {
	if ref == "" {
		head, err := repo.Head()
		if err != nil {
			return plumbing.ZeroHash, fmt.Errorf("failed to get HEAD: %w", err)
		}
		return head.Hash(), nil
	}

	hash, err := repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to resolve revision %s: %w", ref, err)
	}
	return *hash, nil
}

// readGitDocuments reads every file below dir in the commit tree
func readGitDocuments(commit *object.Commit, dir string) (map[string][]byte, error) {
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to get tree: %w", err)
	}

	if dir != "" {
		tree, err = tree.Tree(dir)
		if err != nil {
			if errors.Is(err, object.ErrDirectoryNotFound) {
				return nil, fmt.Errorf("path %s not found in commit %s", dir, shortSHA(commit.Hash.String()))
			}
			return nil, fmt.Errorf("failed to get tree for %s: %w", dir, err)
		}
	}

	docs := make(map[string][]byte)
	err = tree.Files().ForEach(func(f *object.File) error {
		if !f.Mode.IsFile() {
			return nil
		}

		// Skip hidden files and directories
		for _, part := range strings.Split(f.Name, "/") {
			if strings.HasPrefix(part, ".") {
				return nil
			}
		}

		r, err := f.Reader()
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", f.Name, err)
		}
		defer r.Close()

		content, err := io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", f.Name, err)
		}
		docs[path.Clean(f.Name)] = content
		return nil
	})
	if err != nil {
		return nil, err
	}

	return docs, nil
}

// GitAuthFromSecret builds Git authentication from a Kubernetes secret.
// A nil secret means anonymous access.
func GitAuthFromSecret(secret *corev1.Secret) (transport.AuthMethod, error) {
	if secret == nil {
		return nil, nil
	}

	switch secret.Type {
	case corev1.SecretTypeSSHAuth:
		privateKey := secret.Data[corev1.SSHAuthPrivateKey]
		if len(privateKey) == 0 {
			return nil, fmt.Errorf("SSH secret missing private key")
		}

		passphrase := string(secret.Data["passphrase"])

		publicKeys, err := ssh.NewPublicKeys("git", privateKey, passphrase)
		if err != nil {
			return nil, fmt.Errorf("failed to parse SSH key: %w", err)
		}
		return publicKeys, nil

	case corev1.SecretTypeBasicAuth:
		return &http.BasicAuth{
			Username: string(secret.Data[corev1.BasicAuthUsernameKey]),
			Password: string(secret.Data[corev1.BasicAuthPasswordKey]),
		}, nil

	default:
		if token, ok := secret.Data["token"]; ok {
			return &http.BasicAuth{
				Username: "x-access-token", // Works for GitHub, GitLab
				Password: string(token),
			}, nil
		}

		if username, ok := secret.Data["username"]; ok {
			return &http.BasicAuth{
				Username: string(username),
				Password: string(secret.Data["password"]),
			}, nil
		}

		return nil, fmt.Errorf("unsupported secret type for Git auth: %s", secret.Type)
	}
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
