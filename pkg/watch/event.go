// Package watch turns OS directory notifications into FileEvents.
package watch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// EventKind is the kind of change observed on a path.
type EventKind int

const (
	Created EventKind = iota
	Changed
	Deleted
	Renamed
)

var eventKindToString = map[EventKind]string{
	Created: "created",
	Changed: "changed",
	Deleted: "deleted",
	Renamed: "renamed",
}

var stringToEventKind = util.InvertMap(eventKindToString)

func (k EventKind) String() string {
	if str, ok := eventKindToString[k]; ok {
		return str
	}
	return fmt.Sprintf("unknown_event(%d)", k)
}

func (k EventKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *EventKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("event kind should be a string, got %s", data)
	}
	v, ok := stringToEventKind[s]
	if !ok {
		return fmt.Errorf("invalid event kind: %q", s)
	}
	*k = v
	return nil
}

// FileEvent is one observed change below a watched root.
type FileEvent struct {
	Kind EventKind
	// Root is the watched source directory the event belongs to.
	Root string
	Path string
	// OldPath is set for Renamed only.
	OldPath string
	// IsDir is true when the path is known to be a directory. For deletions it
	// is only known for directories that were being watched.
	IsDir bool
	Time  time.Time
}

// Handle identifies one active watch.
type Handle struct {
	id   uint64
	root string
}

// NewHandle is for Watcher implementations outside this package.
func NewHandle(id uint64, root string) Handle { return Handle{id: id, root: root} }

func (h Handle) ID() uint64   { return h.id }
func (h Handle) Root() string { return h.root }

// Watcher is the OS watch capability. Events of all active watches arrive on a
// single channel; after Unwatch returns no further event of that handle is sent.
type Watcher interface {
	Watch(root string) (Handle, error)
	Unwatch(h Handle) error
	Events() <-chan FileEvent
	Errors() <-chan error
	Close() error
}
