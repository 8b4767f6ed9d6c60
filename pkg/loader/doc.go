// Package loader defines the Loader contract used to fetch decision documents
// by key, the typed Error every loader returns, and the local and cluster
// backed loaders: memory, filesystem, embedded, ConfigMap, Git, OCI and
// LevelDB. The remote HTTP loader lives in package remote.
package loader
