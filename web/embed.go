package web

import (
	"embed"
	"strings"
)

// ShellFS embeds the app shell: page, stylesheet, script and web manifest.
//
//go:embed static/*
var ShellFS embed.FS

// Third-party assets are requested under VendorPrefix so the edge can answer
// them from its cache. They live under VendorUpstream.
const (
	VendorPrefix   = "/vendor/"
	VendorUpstream = "https://cdnjs.cloudflare.com/ajax/libs/"
)

// VendorPath returns the part of path after VendorPrefix.
func VendorPath(path string) (string, bool) {
	rest, ok := strings.CutPrefix(path, VendorPrefix)
	if !ok || rest == "" || strings.Contains(rest, "..") || strings.HasPrefix(rest, "/") {
		return "", false
	}
	return rest, true
}
