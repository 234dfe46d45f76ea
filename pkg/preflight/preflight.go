// Package preflight checks that a source can be watched and a target can
// receive a mirror before reconciliation commits to it. The checks do not
// change the filesystem, except CheckTargetWritable which creates the target.
package preflight

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// DefaultMinFreeBytes is the free space below which a target gets a warning.
const DefaultMinFreeBytes = 1 << 30

// CheckSourceAccessible validates that the source path exists and is a directory.
func CheckSourceAccessible(srcPath string) error {
	srcInfo, err := os.Stat(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("source directory %s does not exist", srcPath)
		}
		return fmt.Errorf("cannot stat source directory %s: %w", srcPath, err)
	}

	if !srcInfo.IsDir() {
		return fmt.Errorf("source path %s is not a directory", srcPath)
	}

	return nil
}

// CheckTargetAccessible gives a friendlier error than os.MkdirAll would when a
// target cannot be used:
//  1. On Windows, the drive or network share (e.g. "Z:", "\\Server\Share") must exist.
//  2. An existing target must be a directory.
//  3. For a missing target, the deepest existing ancestor must be accessible.
func CheckTargetAccessible(targetPath string) error {
	if err := checkVolumeExists(targetPath); err != nil {
		return err
	}

	info, err := os.Stat(targetPath)
	if os.IsNotExist(err) {
		ancestor := targetPath
		for {
			parent := filepath.Dir(ancestor)
			if parent == ancestor {
				break
			}
			ancestor = parent
			if _, err := os.Stat(ancestor); err == nil {
				break
			} else if !os.IsNotExist(err) {
				return fmt.Errorf("cannot access ancestor directory %s: %w", ancestor, err)
			}
		}
		ancestorInfo, err := os.Stat(ancestor)
		if err != nil {
			return fmt.Errorf("cannot access ancestor directory %s: %w", ancestor, err)
		}
		if !ancestorInfo.IsDir() {
			return fmt.Errorf("ancestor %s of target %s is not a directory", ancestor, targetPath)
		}
		return nil
	} else if err != nil {
		return fmt.Errorf("cannot access target path: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("target path exists but is not a directory: %s", targetPath)
	}
	return nil
}

// CheckTargetWritable creates the target directory if needed and verifies
// that the current user may write to it.
func CheckTargetWritable(targetPath string) error {
	if info, err := os.Stat(targetPath); err == nil && !info.IsDir() {
		return fmt.Errorf("target path exists but is not a directory: %s", targetPath)
	}
	if err := os.MkdirAll(targetPath, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create target directory %s: %w", targetPath, err)
	}
	if err := checkWritable(targetPath); err != nil {
		return fmt.Errorf("target directory %s is not writable: %w", targetPath, err)
	}
	return nil
}

// CheckFreeSpace logs a warning when the volume holding targetPath has less
// than minFree bytes available. It returns the free bytes.
func CheckFreeSpace(targetPath string, minFree uint64) (uint64, error) {
	free, err := freeBytes(targetPath)
	if err != nil {
		return 0, fmt.Errorf("cannot determine free space of %s: %w", targetPath, err)
	}
	if minFree > 0 && free < minFree {
		plog.Warn("Low free space on target volume", "target", targetPath,
			"free", util.ByteCountIEC(int64(free)), "minimum", util.ByteCountIEC(int64(minFree)))
	}
	return free, nil
}
