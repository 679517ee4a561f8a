// Package migrations ships the audit store schema inside the binaries.
package migrations

import (
	"embed"
	"io/fs"
	"os"
)

//go:embed *.sql
var embedded embed.FS

// FS returns dir when set, otherwise the migrations compiled into the binary.
func FS(dir string) fs.FS {
	if dir != "" {
		return os.DirFS(dir)
	}
	return embedded
}
