// Package translate converts observed FileEvents into the MirrorActions that
// replicate them into every target of the event's source.
package translate

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-mirror/pkg/faults"
	"github.com/paulschiretz/pgl-mirror/pkg/lockfile"
	"github.com/paulschiretz/pgl-mirror/pkg/metafile"
	"github.com/paulschiretz/pgl-mirror/pkg/pathmap"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
	"github.com/paulschiretz/pgl-mirror/pkg/watch"
)

// Temp files written by the mirror executor are named TempPrefix*TempSuffix.
const (
	TempPrefix = ".pgl-mirror-"
	TempSuffix = ".tmp"
)

// ActionKind is the kind of operation a MirrorAction performs on a target.
type ActionKind int

const (
	Copy ActionKind = iota
	Delete
	Rename
	Mkdir
)

var actionKindToString = map[ActionKind]string{
	Copy:   "COPY",
	Delete: "DELETE",
	Rename: "RENAME",
	Mkdir:  "MKDIR",
}

func (k ActionKind) String() string {
	if str, ok := actionKindToString[k]; ok {
		return str
	}
	return fmt.Sprintf("UNKNOWN(%d)", k)
}

// Action is one operation on one target tree.
type Action struct {
	Kind ActionKind
	// SourcePath is the current source path. For Delete it is the removed path.
	SourcePath string
	TargetPath string
	// OldTargetPath is the previous mirrored path of a Rename.
	OldTargetPath string
	// TargetRoot is the target directory the action writes below.
	TargetRoot string
	IsDir      bool
	Event      watch.FileEvent
}

// Keys returns the target paths the action must be serialized on.
func (a Action) Keys() []string {
	if a.Kind == Rename {
		return []string{util.PathKey(a.OldTargetPath), util.PathKey(a.TargetPath)}
	}
	return []string{util.PathKey(a.TargetPath)}
}

// Subtree reports whether the action can touch paths below its target. A
// delete or rename may hit a directory even when the event did not say so,
// because the IsDir flag of a vanished path is not always known.
func (a Action) Subtree() bool {
	return a.Kind == Delete || a.Kind == Rename || a.IsDir
}

func (a Action) String() string {
	if a.Kind == Rename {
		return fmt.Sprintf("%s %s -> %s", a.Kind, a.OldTargetPath, a.TargetPath)
	}
	return fmt.Sprintf("%s %s", a.Kind, a.TargetPath)
}

// Ignored reports whether path names a file the engine itself writes into
// target trees. Such files are never mirrored.
func Ignored(path string) bool {
	base := filepath.Base(path)
	if base == metafile.MetaFileName || base == lockfile.LockFileName {
		return true
	}
	return strings.HasPrefix(base, TempPrefix) && strings.HasSuffix(base, TempSuffix)
}

// Translate maps ev, observed below sourceRoot, onto every target root.
// An event for an ignored path yields no actions. A Changed event on a
// directory yields none either; its children report their own changes.
func Translate(ev watch.FileEvent, sourceRoot string, targets []string) ([]Action, error) {
	if Ignored(ev.Path) {
		return nil, nil
	}
	if ev.Kind == watch.Changed && ev.IsDir {
		return nil, nil
	}

	actions := make([]Action, 0, len(targets))
	for _, targetRoot := range targets {
		a, err := translateOne(ev, sourceRoot, targetRoot)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, nil
}

func translateOne(ev watch.FileEvent, sourceRoot, targetRoot string) (Action, error) {
	target, err := pathmap.MapToTarget(ev.Path, sourceRoot, targetRoot)
	if err != nil {
		return Action{}, err
	}
	a := Action{
		SourcePath: ev.Path,
		TargetPath: target,
		TargetRoot: targetRoot,
		IsDir:      ev.IsDir,
		Event:      ev,
	}

	switch ev.Kind {
	case watch.Created, watch.Changed:
		a.Kind = Copy
		if ev.IsDir {
			a.Kind = Mkdir
		}
	case watch.Deleted:
		a.Kind = Delete
	case watch.Renamed:
		oldTarget, err := pathmap.MapToTarget(ev.OldPath, sourceRoot, targetRoot)
		if err != nil || Ignored(ev.OldPath) {
			// Nothing mirrored under the old name; treat as a new file.
			a.Kind = Copy
			if ev.IsDir {
				a.Kind = Mkdir
			}
			return a, nil
		}
		a.Kind = Rename
		a.OldTargetPath = oldTarget
	default:
		return Action{}, faults.Newf(faults.Unexpected, "translate", ev.Path, "unknown event kind %v", ev.Kind)
	}
	return a, nil
}
