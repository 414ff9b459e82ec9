// Package transfer downloads package payloads with progress reporting,
// cooperative cancellation and byte-range resumption.
package transfer

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
)

// ErrCancelled is reported to Complete when a task was stopped or cancelled
// by its owner rather than failing on its own.
var ErrCancelled = errors.New("transfer cancelled")

// Callbacks receive task events. They run on the task's goroutine and must
// not block for long.
type Callbacks struct {
	// Progress receives the completed fraction in [0,1].
	Progress func(fraction float64)
	// Speed receives the recent throughput in bytes per second.
	Speed func(bytesPerSecond int64)
	// Complete is called exactly once per started task with the local
	// payload path on success, or an error.
	Complete func(path string, err error)
}

// Task is one download.
type Task interface {
	// Start begins the transfer. Later calls are no-ops.
	Start()
	// Stop aborts the transfer and keeps partial data for resumption.
	Stop()
	// Cancel aborts the transfer and discards partial data.
	Cancel()
}

// Downloader creates tasks. name identifies the local staging file so a
// later task for the same name can resume.
type Downloader interface {
	Download(url, name string, cb Callbacks) Task
}

// IsCancelled reports whether err stems from Stop, Cancel or a cancelled context.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

// FormatSpeed renders a throughput for display.
func FormatSpeed(bytesPerSecond int64) string {
	if bytesPerSecond <= 0 {
		return ""
	}
	return fmt.Sprintf("%s/s", humanize.Bytes(uint64(bytesPerSecond)))
}
