//go:build !windows
// +build !windows

package monitoring

import (
	"os"
	"path/filepath"
	"syscall"
)

// getDiskUsage returns disk usage for a path (Unix implementation)
func getDiskUsage(path string) *DiskUsage {
	// Resolve symlinks first - macOS has /tmp -> /private/tmp
	resolvedPath, err := filepath.EvalSymlinks(path)
	if err != nil {
		resolvedPath = path
	}

	// If the path doesn't exist yet, fall back to its parent
	checkPath := resolvedPath
	if _, err := os.Stat(checkPath); err != nil {
		checkPath = filepath.Dir(resolvedPath)
		if _, err := os.Stat(checkPath); err != nil {
			return nil
		}
	}

	var stat syscall.Statfs_t
	if err := syscall.Statfs(checkPath, &stat); err != nil {
		return nil
	}

	totalBytes := stat.Blocks * uint64(stat.Bsize) // #nosec G115 - safe filesystem stat conversion
	freeBytes := stat.Bavail * uint64(stat.Bsize)  // #nosec G115 - safe filesystem stat conversion
	usedBytes := totalBytes - freeBytes
	percentUsed := float64(usedBytes) / float64(totalBytes) * 100

	return &DiskUsage{
		TotalBytes:  totalBytes,
		FreeBytes:   freeBytes,
		UsedBytes:   usedBytes,
		PercentUsed: percentUsed,
	}
}
