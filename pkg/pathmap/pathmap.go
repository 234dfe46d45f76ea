// Package pathmap reconstructs the location of a source file below a target root.
package pathmap

import (
	"path/filepath"
	"slices"

	"github.com/paulschiretz/pgl-mirror/pkg/faults"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// RelativeSegments returns the directory names between sourceRoot and the
// directory containing filePath, outermost first. A file directly inside
// sourceRoot has no segments. Only whole directory names are compared, so
// "/data/AB/f.txt" is outside "/data/A".
func RelativeSegments(filePath, sourceRoot string) ([]string, error) {
	root := util.PathKey(sourceRoot)
	var segments []string

	dir := filepath.Dir(filepath.Clean(filePath))
	for {
		if util.PathKey(dir) == root {
			slices.Reverse(segments)
			return segments, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, faults.Newf(faults.PathOutsideRoot, "map path", filePath, "not below source root %s", sourceRoot)
		}
		segments = append(segments, filepath.Base(dir))
		dir = parent
	}
}

// MapToTarget returns the mirrored location of filePath: targetRoot, then the
// relative segments, then the base name of filePath.
func MapToTarget(filePath, sourceRoot, targetRoot string) (string, error) {
	segments, err := RelativeSegments(filePath, sourceRoot)
	if err != nil {
		return "", err
	}
	parts := make([]string, 0, len(segments)+2)
	parts = append(parts, targetRoot)
	parts = append(parts, segments...)
	parts = append(parts, filepath.Base(filePath))
	return filepath.Join(parts...), nil
}
