package registry

import (
	"embed"
	"io/fs"
	"sync"
)

//go:embed catalog/*.yaml
var embeddedCatalog embed.FS

var (
	defaultOnce sync.Once
	defaultReg  *Registry
	defaultErr  error
)

// EmbeddedFS returns the bundled catalog documents.
func EmbeddedFS() fs.FS {
	sub, err := fs.Sub(embeddedCatalog, "catalog")
	if err != nil {
		// The embed directive guarantees the subpath exists.
		panic(err)
	}
	return sub
}

// Default loads the embedded catalog once and shares the result.
func Default() (*Registry, error) {
	defaultOnce.Do(func() {
		defaultReg, defaultErr = LoadFS(EmbeddedFS())
	})
	return defaultReg, defaultErr
}

// MustDefault panics when the embedded catalog is invalid.
func MustDefault() *Registry {
	reg, err := Default()
	if err != nil {
		panic(err)
	}
	return reg
}
