package evidence

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"net/http"
	"time"

	"github.com/valyala/bytebufferpool"

	"github.com/exam-proctor/backend/internal/store"
	"github.com/exam-proctor/backend/internal/violation"
)

// ErrUnsupportedImage is returned for uploads that are neither PNG nor JPEG.
var ErrUnsupportedImage = errors.New("unsupported image type")

// MetadataStore records where evidence was written.
type MetadataStore interface {
	InsertSnapshot(ctx context.Context, snap store.Snapshot) (int64, error)
}

// Runner schedules fire-and-forget jobs. It reports whether fn was accepted.
type Runner interface {
	Go(fn func()) bool
}

type inline struct{}

func (inline) Go(fn func()) bool { fn(); return true }

// Capturer turns frames into stored evidence. CaptureEvidence never blocks
// the caller and never reports failure.
type Capturer struct {
	disk   *DiskStore
	meta   MetadataStore
	runner Runner
	log    *slog.Logger
	now    func() time.Time
}

// NewCapturer wires a capturer. A nil runner runs jobs inline; meta may be
// nil when only files are wanted.
func NewCapturer(disk *DiskStore, meta MetadataStore, runner Runner, log *slog.Logger) *Capturer {
	if runner == nil {
		runner = inline{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Capturer{disk: disk, meta: meta, runner: runner, log: log, now: time.Now}
}

// CaptureEvidence encodes frame as PNG and stores it in the background.
func (c *Capturer) CaptureEvidence(candidateID string, cause violation.Cause, frame image.Image) {
	at := c.now()
	c.runner.Go(func() {
		buf := bytebufferpool.Get()
		defer bytebufferpool.Put(buf)

		if err := png.Encode(buf, frame); err != nil {
			c.log.Error("evidence encode failed", "candidate", candidateID, "error", err)
			return
		}
		if _, err := c.store(context.Background(), candidateID, cause.String(), ".png", buf.B, at); err != nil {
			c.log.Error("evidence capture failed", "candidate", candidateID, "cause", cause, "error", err)
		}
	})
}

// SaveUpload stores an image uploaded by the candidate's browser.
func (c *Capturer) SaveUpload(ctx context.Context, candidateID, reason string, data []byte) (store.Snapshot, error) {
	var ext string
	switch http.DetectContentType(data) {
	case "image/png":
		ext = ".png"
	case "image/jpeg":
		ext = ".jpg"
	default:
		return store.Snapshot{}, ErrUnsupportedImage
	}
	return c.store(ctx, candidateID, reason, ext, data, c.now())
}

func (c *Capturer) store(ctx context.Context, candidateID, reason, ext string, data []byte, at time.Time) (store.Snapshot, error) {
	path, err := c.disk.Save(candidateID, ext, data, at)
	if err != nil {
		return store.Snapshot{}, err
	}
	snap := store.Snapshot{Email: candidateID, Reason: reason, Path: path, Time: at}
	if c.meta != nil {
		id, err := c.meta.InsertSnapshot(ctx, snap)
		if err != nil {
			return snap, fmt.Errorf("recording snapshot: %w", err)
		}
		snap.ID = id
	}
	c.log.Debug("evidence stored", "candidate", candidateID, "reason", reason, "path", path)
	return snap, nil
}
