package parser

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// ResolveURL resolves href against base and normalizes the result so that
// absolute and relative spellings of one resource produce the same string.
// Fragments are dropped; an empty path becomes "/".
func ResolveURL(base *url.URL, href string) (string, error) {
	href = strings.TrimSpace(href)
	if href == "" {
		return "", fmt.Errorf("empty reference")
	}

	rel, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", href, err)
	}

	abs := base.ResolveReference(rel)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", abs.Scheme)
	}
	return NormalizeURL(abs), nil
}

func NormalizeURL(u *url.URL) string {
	n := *u
	n.Fragment = ""
	n.RawFragment = ""
	n.Host = strings.ToLower(n.Host)
	if n.Path == "" {
		n.Path = "/"
	}
	return n.String()
}

// ParentPath returns the path one segment above p, or "" when that would
// be the site root.
func ParentPath(p string) string {
	p = strings.TrimSuffix(p, "/")
	if p == "" {
		return ""
	}
	parent := path.Dir(p)
	if parent == "." || parent == "/" {
		return ""
	}
	return parent
}
