package replication

import (
	"context"
	"fmt"
	"time"

	"github.com/hera-team/librarian/internal/catalog"
	"github.com/hera-team/librarian/internal/store"
)

// ShipRequest describes one file transfer to a peer librarian.
type ShipRequest struct {
	ConnName        string
	FileName        string
	StorePath       string
	RemoteStorePath string
	Size            int64
	RecInfo         *catalog.RecInfo
	Driver          store.Driver
}

// Transport moves the bytes of one ShipRequest to the peer.
type Transport interface {
	Ship(ctx context.Context, req ShipRequest) error
}

// UploadTask ships one file to a peer. The work phase only moves bytes; all
// catalog writes happen in the wrapup.
type UploadTask struct {
	engine    *Engine
	req       ShipRequest
	orderName string

	started  time.Time
	duration time.Duration
}

// Describe implements tasks.Task.
func (t *UploadTask) Describe() string {
	return fmt.Sprintf("upload %s to %s", t.req.FileName, t.req.ConnName)
}

// Work implements tasks.Task.
func (t *UploadTask) Work(ctx context.Context) error {
	if err := t.engine.limiter.Wait(ctx); err != nil {
		return err
	}
	t.started = t.engine.now()
	err := t.engine.transport.Ship(ctx, t.req)
	t.duration = t.engine.now().Sub(t.started)
	return err
}

// Wrapup implements tasks.Task. It records the copy_finished event and, for
// standing-order uploads that succeeded, the order's success event so the
// file stops matching.
func (t *UploadTask) Wrapup(workErr error) {
	if t.orderName != "" {
		defer t.engine.clearInflight(t.orderName, t.req.FileName)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	errorCode := 0
	errorMessage := "success"
	if workErr != nil {
		errorCode = 1
		errorMessage = workErr.Error()
	}

	payload := map[string]any{
		"connection_name":   t.req.ConnName,
		"remote_store_path": t.req.RemoteStorePath,
		"error_code":        errorCode,
		"error_message":     errorMessage,
		"duration":          t.duration.Seconds(),
		"average_rate":      averageRate(t.req.Size, t.duration),
	}
	if err := t.engine.cat.AddEvent(ctx, t.req.FileName, catalog.EventCopyFinished, payload); err != nil {
		t.engine.logger.Error("failed to record copy_finished event",
			"file", t.req.FileName, "error", err)
	}

	if workErr != nil {
		// No success event; the next evaluation re-matches the file.
		return
	}

	if t.orderName != "" {
		eventType := catalog.StandingOrderEventType(t.orderName)
		if err := t.engine.cat.AddEvent(ctx, t.req.FileName, eventType, nil); err != nil {
			t.engine.logger.Error("failed to record standing-order success event",
				"file", t.req.FileName, "order", t.orderName, "error", err)
		}
	}
}

// averageRate computes kilobytes per second. Sub-half-second transfers are
// clamped so tiny files don't report absurd rates.
func averageRate(sizeBytes int64, d time.Duration) float64 {
	secs := d.Seconds()
	if secs < 0.5 {
		secs = 0.5
	}
	return float64(sizeBytes) / 1024.0 / secs
}
