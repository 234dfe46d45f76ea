// Package notify publishes what the engine mirrored to interested consumers,
// such as a tray UI connected over a websocket.
package notify

import (
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/faults"
	"github.com/paulschiretz/pgl-mirror/pkg/watch"
)

// Notification describes one applied, skipped or failed mirror action.
type Notification struct {
	Time time.Time       `json:"time"`
	Kind watch.EventKind `json:"kind"`
	// Path is the source path the event was observed on.
	Path    string `json:"path"`
	OldPath string `json:"oldPath,omitempty"`
	Source  string `json:"source"`
	Target  string `json:"target"`
	Action  string `json:"action"`
	// Err is empty when the action succeeded.
	Err     string       `json:"error,omitempty"`
	ErrKind *faults.Kind `json:"errorKind,omitempty"`
	// Skipped is set when the action had nothing to do, for example a delete of an absent target.
	Skipped bool `json:"skipped,omitempty"`
}

// Failed reports whether the action behind n failed.
func (n Notification) Failed() bool { return n.Err != "" && !n.Skipped }
