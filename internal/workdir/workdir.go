// Package workdir manages the cluster-scoped on-disk working directory.
package workdir

import (
	"fmt"
	"os"
	"path/filepath"
)

// Path returns the working directory for the given cluster name and id.
func Path(root, clusterName, clusterID string) string {
	return filepath.Join(root, clusterName, clusterID)
}

// Cleanup removes the cluster's working directory tree. It is a no-op when
// the directory does not exist, and safe to call repeatedly.
func Cleanup(root, clusterName, clusterID string) error {
	dir := Path(root, clusterName, clusterID)

	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("statting working directory %q: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("working directory %q is not a directory", dir)
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing working directory %q: %w", dir, err)
	}
	return nil
}
