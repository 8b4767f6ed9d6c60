package loader

import (
	"context"
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// ConfigMapLoader serves decision documents stored as entries of a Kubernetes
// ConfigMap. Each data (or binaryData) key is a document key, e.g.
// "pricing.json". The ConfigMap is read on every Load; wrap the loader in a
// CachedLoader to avoid hitting the API server each time.
type ConfigMapLoader struct {
	client    client.Client
	namespace string
	name      string
}

// NewConfigMapLoader creates a loader for the ConfigMap namespace/name
func NewConfigMapLoader(k8sClient client.Client, namespace, name string) *ConfigMapLoader {
	return &ConfigMapLoader{
		client:    k8sClient,
		namespace: namespace,
		name:      name,
	}
}

// NewConfigMapLoaderFromRef creates a loader from a "namespace/name" or "name"
// reference, using defaultNamespace when the reference has none
func NewConfigMapLoaderFromRef(k8sClient client.Client, ref, defaultNamespace string) (*ConfigMapLoader, error) {
	namespace, name, err := parseConfigMapRef(ref)
	if err != nil {
		return nil, fmt.Errorf("invalid ConfigMap reference: %w", err)
	}
	if namespace == "" {
		namespace = defaultNamespace
	}
	return NewConfigMapLoader(k8sClient, namespace, name), nil
}

// Load returns the ConfigMap entry named key
func (l *ConfigMapLoader) Load(ctx context.Context, key string) ([]byte, error) {
	cm := &corev1.ConfigMap{}
	if err := l.client.Get(ctx, client.ObjectKey{
		Namespace: l.namespace,
		Name:      l.name,
	}, cm); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, NotFound(key, fmt.Errorf("ConfigMap %s/%s not found", l.namespace, l.name))
		}
		return nil, IOFailure(key, fmt.Errorf("failed to get ConfigMap %s/%s: %w", l.namespace, l.name, err))
	}

	if content, ok := cm.Data[key]; ok {
		return []byte(content), nil
	}
	if content, ok := cm.BinaryData[key]; ok {
		return content, nil
	}

	return nil, NotFound(key, fmt.Errorf("no entry in ConfigMap %s/%s", l.namespace, l.name))
}

// Source describes where documents come from, for logs
func (l *ConfigMapLoader) Source() string {
	return fmt.Sprintf("configmap://%s/%s", l.namespace, l.name)
}

// parseConfigMapRef parses a ConfigMap reference
// Supports formats:
//   - name (namespace left empty for the caller to default)
//   - namespace/name
func parseConfigMapRef(ref string) (namespace, name string, err error) {
	if ref == "" {
		return "", "", fmt.Errorf("reference is empty")
	}

	parts := strings.SplitN(ref, "/", 2)
	if len(parts) == 1 {
		return "", parts[0], nil
	}

	if parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("reference %q must be namespace/name", ref)
	}
	return parts[0], parts[1], nil
}
