package monitor

import (
	"context"
	"errors"
	"image"

	"github.com/exam-proctor/backend/internal/violation"
)

// ErrNoSample is returned by a source that has nothing to report for the
// current tick. The runtime treats it like a detector failure: the tick
// produces no observation.
var ErrNoSample = errors.New("no sample available")

// FrameSource is a camera. Open acquires the device; failure to acquire is
// a terminating violation. Frame returns the latest frame or nil.
type FrameSource interface {
	Open(ctx context.Context) error
	Frame() image.Image
	Close() error
}

// LevelSource is a microphone. Level returns the normalised RMS of the most
// recent analysis window.
type LevelSource interface {
	Open(ctx context.Context) error
	Level() (float64, error)
	Close() error
}

// Detector runs inference on a frame. The same interface serves the face
// detector (one detection per face) and the object detector.
//
// Detect may block; the runtime calls it off the event loop with at most
// one call in flight per detector.
type Detector interface {
	Detect(ctx context.Context, frame image.Image) ([]violation.Detection, error)
}

// ConnectivityProbe reports whether the candidate is currently reachable.
type ConnectivityProbe interface {
	Online() bool
}

// Adapters are the signal sources of one session. Nil fields disable the
// corresponding sampler; their observations may still be pushed with Post.
type Adapters struct {
	Frames       FrameSource
	Faces        Detector
	Objects      Detector
	Levels       LevelSource
	Connectivity ConnectivityProbe
}
