package utils

import (
	"fmt"
	"os"
	"path/filepath"
)

// ResolveDestinationDir checks that destPath is a directory, or that it
// can be created inside an existing parent, and returns it cleaned.
func ResolveDestinationDir(destPath string) (string, error) {
	destPath = filepath.Clean(destPath)

	info, err := os.Stat(destPath)
	switch {
	case err == nil && info.IsDir():
		return destPath, nil
	case err == nil:
		return "", fmt.Errorf("destination path '%s' exists but is not a directory", destPath)
	case !os.IsNotExist(err):
		return "", fmt.Errorf("cannot access destination path: %w", err)
	}

	dir := filepath.Dir(destPath)
	if parent, err := os.Stat(dir); err != nil || !parent.IsDir() {
		return "", fmt.Errorf("parent directory does not exist: %s", dir)
	}
	return destPath, nil
}

// FormatFileSize formats size in binary units.
func FormatFileSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(size)/float64(div), "KMGTPE"[exp])
}
