// Package frame contains the immutable frame type shared between cameras
// and processing pipelines, and the bounded queue connecting them.
package frame

import (
	"bytes"
	"image"
	"image/jpeg"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// DefaultJPEGQuality is the quality used by callers that have no opinion.
const DefaultJPEGQuality = 75

// A Frame is one captured color image, an optional depth image, and the
// metadata needed to correlate the capture across consumers. The pixel
// payload is never mutated after construction; frames are shared by pointer
// between every queue and latest-value slot that holds them.
type Frame struct {
	color      image.Image
	depth      image.Image
	seq        uint64
	capturedAt time.Time

	cacheMu   sync.Mutex
	jpegCache map[int][]byte
}

// New wraps a captured image pair with its sequence number and capture time.
// depth may be nil.
func New(color, depth image.Image, seq uint64, capturedAt time.Time) *Frame {
	return &Frame{color: color, depth: depth, seq: seq, capturedAt: capturedAt}
}

// Color returns the color image.
func (f *Frame) Color() image.Image {
	return f.color
}

// Depth returns the depth image, or nil if the source camera does not
// produce depth.
func (f *Frame) Depth() image.Image {
	return f.depth
}

// Seq returns the per-camera monotonic sequence number.
func (f *Frame) Seq() uint64 {
	return f.seq
}

// CapturedAt returns the capture timestamp.
func (f *Frame) CapturedAt() time.Time {
	return f.capturedAt
}

// WithImage returns a new frame holding img but carrying the receiver's
// sequence number, capture time, and depth image, so that raw and processed
// views of the same capture can be correlated downstream.
func (f *Frame) WithImage(img image.Image) *Frame {
	return &Frame{color: img, depth: f.depth, seq: f.seq, capturedAt: f.capturedAt}
}

// JPEG returns the color image encoded as JPEG at the given quality
// (1-100; values outside that range use DefaultJPEGQuality). The encoding
// runs at most once per quality per frame; the cached bytes are returned to
// every subsequent caller and must not be modified.
func (f *Frame) JPEG(quality int) ([]byte, error) {
	if quality < 1 || quality > 100 {
		quality = DefaultJPEGQuality
	}

	f.cacheMu.Lock()
	defer f.cacheMu.Unlock()
	if data, ok := f.jpegCache[quality]; ok {
		return data, nil
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, f.color, &jpeg.Options{Quality: quality}); err != nil {
		return nil, errors.Wrap(err, "cannot encode frame as jpeg")
	}
	if f.jpegCache == nil {
		f.jpegCache = map[int][]byte{}
	}
	data := buf.Bytes()
	f.jpegCache[quality] = data
	return data, nil
}
