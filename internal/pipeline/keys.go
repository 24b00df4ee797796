package pipeline

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ParseTarget validates a capture target: an absolute http(s) URL with a host.
func ParseTarget(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, InvalidTarget("parse target", errors.New("no url submitted"))
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, InvalidTarget("parse target", err)
	}
	if !u.IsAbs() {
		return nil, InvalidTarget("parse target", fmt.Errorf("url %q is not absolute", raw))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, InvalidTarget("parse target", fmt.Errorf("unsupported scheme %q", u.Scheme))
	}
	if u.Hostname() == "" {
		return nil, InvalidTarget("parse target", fmt.Errorf("url %q has no host", raw))
	}
	return u, nil
}

// DomainOf returns the lower-cased host of u without its port.
func DomainOf(u *url.URL) string {
	return strings.ToLower(u.Hostname())
}

// CapturedAt converts a capture time to the integer timestamp used in keys and records.
func CapturedAt(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

// CapturedTime is the inverse of CapturedAt.
func CapturedTime(capturedAt int64) time.Time {
	return time.UnixMilli(capturedAt).UTC()
}

// ObjectKey derives the storage key for a capture: [prefix/]domain/capturedAt.
func ObjectKey(prefix, domain string, capturedAt int64) string {
	key := domain + "/" + strconv.FormatInt(capturedAt, 10)
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

// ParseObjectKey splits a key produced by ObjectKey back into domain and timestamp.
func ParseObjectKey(prefix, key string) (string, int64, error) {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		trimmed, ok := strings.CutPrefix(key, prefix+"/")
		if !ok {
			return "", 0, fmt.Errorf("key %q outside prefix %q", key, prefix)
		}
		key = trimmed
	}
	domain, ts, ok := strings.Cut(key, "/")
	if !ok || domain == "" {
		return "", 0, fmt.Errorf("malformed object key %q", key)
	}
	capturedAt, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed object key %q: %w", key, err)
	}
	return domain, capturedAt, nil
}
