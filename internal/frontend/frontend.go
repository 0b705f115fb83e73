// Package frontend serves the candidate exam pages from disk.
package frontend

import (
	"fmt"
	"net/http"
	"os"
)

// Handler serves the files under dir. It returns nil when dir is empty.
func Handler(dir string) (http.Handler, error) {
	if dir == "" {
		return nil, nil
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("static dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("static dir: %s is not a directory", dir)
	}
	return http.FileServer(http.Dir(dir)), nil
}
