// Package remote implements the HTTP decision loader.
//
// A Loader fetches GET {BaseURL}/{escaped key}, classifies each response,
// retries 5xx responses and transport failures with exponential backoff, and
// keeps successful documents in a bounded TTL cache (see package cache).
// Concurrent misses for the same key share one fetch unless Config.Coalesce
// is false. 404 is never retried; 400, 401 and 403 are rejected without
// retry. Every failure is a *loader.Error carrying the key and the number of
// attempts made.
package remote
