package media

import "os"

// fileExists reports whether path already exists, the basis for the
// pipeline's idempotent skip-if-exists resume behavior.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
