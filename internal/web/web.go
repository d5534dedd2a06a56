// Package web embeds the browser client served at "/".
package web

import (
	"embed"
	"io/fs"
)

//go:embed static
var static embed.FS

// IndexHTML returns the single-page client.
func IndexHTML() []byte {
	page, err := fs.ReadFile(static, "static/index.html")
	if err != nil {
		panic(err)
	}
	return page
}
