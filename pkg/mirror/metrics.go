package mirror

import (
	"sync/atomic"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// Metrics collects mirroring statistics.
type Metrics interface {
	AddFilesCopied(n int64)
	AddFilesDeleted(n int64)
	AddFilesRenamed(n int64)
	AddDirsCreated(n int64)
	AddDirsDeleted(n int64)
	AddBytesRead(n int64)
	AddBytesWritten(n int64)
	AddActionsFailed(n int64)
	AddActionsSkipped(n int64)
	LogSummary(msg string)

	StartProgress(msg string, interval time.Duration)
	StopProgress()
}

// MirrorMetrics holds atomic counters for the lifetime of an engine.
type MirrorMetrics struct {
	FilesCopied    atomic.Int64
	FilesDeleted   atomic.Int64
	FilesRenamed   atomic.Int64
	DirsCreated    atomic.Int64
	DirsDeleted    atomic.Int64
	BytesRead      atomic.Int64
	BytesWritten   atomic.Int64
	ActionsFailed  atomic.Int64
	ActionsSkipped atomic.Int64

	stopChan  chan struct{}
	startTime time.Time
}

func (m *MirrorMetrics) AddFilesCopied(n int64)    { m.FilesCopied.Add(n) }
func (m *MirrorMetrics) AddFilesDeleted(n int64)   { m.FilesDeleted.Add(n) }
func (m *MirrorMetrics) AddFilesRenamed(n int64)   { m.FilesRenamed.Add(n) }
func (m *MirrorMetrics) AddDirsCreated(n int64)    { m.DirsCreated.Add(n) }
func (m *MirrorMetrics) AddDirsDeleted(n int64)    { m.DirsDeleted.Add(n) }
func (m *MirrorMetrics) AddBytesRead(n int64)      { m.BytesRead.Add(n) }
func (m *MirrorMetrics) AddBytesWritten(n int64)   { m.BytesWritten.Add(n) }
func (m *MirrorMetrics) AddActionsFailed(n int64)  { m.ActionsFailed.Add(n) }
func (m *MirrorMetrics) AddActionsSkipped(n int64) { m.ActionsSkipped.Add(n) }

func (m *MirrorMetrics) StartProgress(msg string, interval time.Duration) {
	m.startTime = time.Now()
	m.stopChan = make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.LogSummary(msg)
			case <-m.stopChan:
				return
			}
		}
	}()
}

func (m *MirrorMetrics) StopProgress() {
	if m.stopChan != nil {
		close(m.stopChan)
		m.stopChan = nil
	}
}

// LogSummary logs the counters under msg.
func (m *MirrorMetrics) LogSummary(msg string) {
	uptime := time.Duration(0)
	if !m.startTime.IsZero() {
		uptime = time.Since(m.startTime)
	}
	plog.Info(msg,
		"files_copied", m.FilesCopied.Load(),
		"files_deleted", m.FilesDeleted.Load(),
		"files_renamed", m.FilesRenamed.Load(),
		"dirs_created", m.DirsCreated.Load(),
		"dirs_deleted", m.DirsDeleted.Load(),
		"bytes_read", util.ByteCountIEC(m.BytesRead.Load()),
		"bytes_written", util.ByteCountIEC(m.BytesWritten.Load()),
		"actions_failed", m.ActionsFailed.Load(),
		"actions_skipped", m.ActionsSkipped.Load(),
		"uptime", uptime.Round(time.Second),
	)
}

// NoopMetrics discards everything.
type NoopMetrics struct{}

func (m *NoopMetrics) AddFilesCopied(n int64)                           {}
func (m *NoopMetrics) AddFilesDeleted(n int64)                          {}
func (m *NoopMetrics) AddFilesRenamed(n int64)                          {}
func (m *NoopMetrics) AddDirsCreated(n int64)                           {}
func (m *NoopMetrics) AddDirsDeleted(n int64)                           {}
func (m *NoopMetrics) AddBytesRead(n int64)                             {}
func (m *NoopMetrics) AddBytesWritten(n int64)                          {}
func (m *NoopMetrics) AddActionsFailed(n int64)                         {}
func (m *NoopMetrics) AddActionsSkipped(n int64)                        {}
func (m *NoopMetrics) LogSummary(msg string)                            {}
func (m *NoopMetrics) StartProgress(msg string, interval time.Duration) {}
func (m *NoopMetrics) StopProgress()                                    {}
