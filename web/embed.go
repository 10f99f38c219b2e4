// Package web bundles the browser viewer served at "/".
package web

import (
	"embed"
	"io/fs"
)

//go:embed static/index.html static/app.js static/style.css
var viewerFiles embed.FS

// Static returns the viewer page and its assets, rooted at the static
// directory.
func Static() (fs.FS, error) {
	return fs.Sub(viewerFiles, "static")
}
