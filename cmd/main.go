/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	// Import all Kubernetes client auth plugins (e.g. Azure, GCP, OIDC, etc.)
	// so configmap sources work against any cluster.
	_ "k8s.io/client-go/plugin/pkg/client/auth"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/chazu/decisionloader/pkg/config"
	"github.com/chazu/decisionloader/pkg/loader"
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

// defaultSource is used when no configuration file is given
const defaultSource = "embedded"

// Config holds the command-line configuration
type Config struct {
	ConfigPath  string
	Source      string
	OutDir      string
	Concurrency int
	Interval    time.Duration
	MetricsAddr string
	Kubernetes  bool
	Namespace   string
	Keys        []string
}

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
}

// parseFlags parses command-line flags and returns configuration
func parseFlags() Config {
	cfg := Config{}
	flag.StringVar(&cfg.ConfigPath, "config", "",
		"Path to the YAML file describing decision sources. Without it the bundled samples are served.")
	flag.StringVar(&cfg.Source, "source", "", "Name of the source to load from. May be omitted when only one is configured.")
	flag.StringVar(&cfg.OutDir, "out", "", "Directory to write documents to. Documents go to stdout when empty.")
	flag.IntVar(&cfg.Concurrency, "concurrency", loader.DefaultMaxConcurrency, "Maximum number of loads in flight.")
	flag.DurationVar(&cfg.Interval, "interval", 0,
		"Reload the keys at this interval until interrupted. Zero loads once and exits.")
	flag.StringVar(&cfg.MetricsAddr, "metrics-bind-address", "0",
		"The address the metrics endpoint binds to, e.g. :8080. Leave as 0 to disable it.")
	flag.BoolVar(&cfg.Kubernetes, "kubernetes", false,
		"Create a Kubernetes client from the kubeconfig for configmap sources and credential secrets.")
	flag.StringVar(&cfg.Namespace, "namespace", "default", "Namespace for ConfigMap and Secret references without one.")

	opts := zap.Options{Development: true}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()
	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))

	cfg.Keys = flag.Args()
	return cfg
}

// loadSources reads the configuration file, or describes the bundled
// samples when there is none
func loadSources(cfg Config) (*config.File, error) {
	if cfg.ConfigPath == "" {
		return &config.File{Sources: []config.Source{{Name: defaultSource, Type: config.TypeEmbedded}}}, nil
	}
	return config.LoadFile(cfg.ConfigPath)
}

// newKubernetesClient creates a client only when asked to, so the CLI works
// without a cluster
func newKubernetesClient(cfg Config) (client.Client, error) {
	if !cfg.Kubernetes {
		return nil, nil
	}
	restConfig, err := ctrl.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to get kubeconfig: %w", err)
	}
	return client.New(restConfig, client.Options{Scheme: scheme})
}

// pickSource resolves the -source flag against the registry
func pickSource(reg *loader.Registry, name string) (string, error) {
	if name != "" {
		return name, nil
	}
	names := reg.Names()
	if len(names) != 1 {
		return "", fmt.Errorf("-source is required when %d sources are configured: %v", len(names), names)
	}
	return names[0], nil
}

// serveMetrics exposes the controller-runtime registry until ctx is done
func serveMetrics(ctx context.Context, addr string) {
	if addr == "" || addr == "0" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		setupLog.Info("Serving metrics", "address", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			setupLog.Error(err, "metrics server failed")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

// writeDocuments writes the loaded documents in key order. Keys that would
// escape the output directory are refused.
func writeDocuments(stdout io.Writer, outDir string, keys []string, docs map[string][]byte) error {
	if outDir != "" {
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	var errs []error
	for _, key := range keys {
		content, ok := docs[key]
		if !ok {
			continue
		}

		if outDir == "" {
			if _, err := stdout.Write(content); err != nil {
				return fmt.Errorf("failed to write %s: %w", key, err)
			}
			if len(content) > 0 && content[len(content)-1] != '\n' {
				_, _ = io.WriteString(stdout, "\n")
			}
			continue
		}

		if !filepath.IsLocal(key) {
			errs = append(errs, fmt.Errorf("refusing to write %q outside %s", key, outDir))
			continue
		}
		path := filepath.Join(outDir, key)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			errs = append(errs, fmt.Errorf("failed to create directory for %s: %w", key, err))
			continue
		}
		if err := os.WriteFile(path, content, 0o644); err != nil {
			errs = append(errs, fmt.Errorf("failed to write %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// loadOnce loads every key and writes what loaded. Load failures are
// reported after the successful documents are written.
func loadOnce(ctx context.Context, l loader.Loader, cfg Config) error {
	docs, loadErr := loader.LoadAll(ctx, l, cfg.Keys, cfg.Concurrency)
	writeErr := writeDocuments(os.Stdout, cfg.OutDir, cfg.Keys, docs)
	log.FromContext(ctx).Info("Loaded decision documents", "requested", len(cfg.Keys), "loaded", len(docs))
	return errors.Join(loadErr, writeErr)
}

func run(ctx context.Context, cfg Config) error {
	if len(cfg.Keys) == 0 {
		return fmt.Errorf("no document keys given")
	}

	sources, err := loadSources(cfg)
	if err != nil {
		return err
	}
	k8sClient, err := newKubernetesClient(cfg)
	if err != nil {
		return err
	}

	reg, err := config.Build(ctx, sources, config.Options{Client: k8sClient, Namespace: cfg.Namespace})
	if err != nil {
		return err
	}
	defer func() {
		if err := reg.Close(); err != nil {
			setupLog.Error(err, "failed to close loaders")
		}
	}()

	name, err := pickSource(reg, cfg.Source)
	if err != nil {
		return err
	}
	l, err := reg.Get(name)
	if err != nil {
		return err
	}

	serveMetrics(ctx, cfg.MetricsAddr)

	if cfg.Interval <= 0 {
		return loadOnce(ctx, l, cfg)
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		if err := loadOnce(ctx, l, cfg); err != nil {
			setupLog.Error(err, "reload failed", "source", name)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func main() {
	cfg := parseFlags()

	ctx := ctrl.SetupSignalHandler()
	ctx = log.IntoContext(ctx, ctrl.Log.WithName("decisionloader"))

	if err := run(ctx, cfg); err != nil {
		setupLog.Error(err, "failed to load decision documents")
		os.Exit(1)
	}
}
