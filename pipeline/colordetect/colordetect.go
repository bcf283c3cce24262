// Package colordetect implements an HSV-threshold color blob pipeline, the
// simplest real processing strategy family: find contiguous regions whose
// color falls inside a configured HSV window and report their centers.
package colordetect

import (
	"context"
	"encoding/json"
	"image"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/fogleman/gg"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/pkg/errors"

	"github.com/opensight-robotics/opensight/pipeline"
)

// Type is the registered type for this strategy.
const Type pipeline.Type = "colordetect"

func init() {
	pipeline.Register(Type, func(conf pipeline.Config, logger golog.Logger) (pipeline.Pipeline, error) {
		return New(conf, logger)
	})
}

// Settings is the JSON-configurable HSV window and blob filter. Hues are in
// degrees (0-360); saturation and value are 0-1.
type Settings struct {
	HueMin  float64 `json:"hue_min"`
	HueMax  float64 `json:"hue_max"`
	SatMin  float64 `json:"sat_min"`
	ValMin  float64 `json:"val_min"`
	MinArea int     `json:"min_area"`
}

// DefaultSettings targets the bright green of retroreflective tape under an
// LED ring.
func DefaultSettings() Settings {
	return Settings{HueMin: 80, HueMax: 160, SatMin: 0.4, ValMin: 0.4, MinArea: 40}
}

func (s *Settings) validate() error {
	if s.HueMin < 0 || s.HueMax > 360 || s.HueMin > s.HueMax {
		return errors.Errorf("invalid hue window [%v, %v]", s.HueMin, s.HueMax)
	}
	if s.SatMin < 0 || s.SatMin > 1 || s.ValMin < 0 || s.ValMin > 1 {
		return errors.New("sat_min and val_min must be within [0, 1]")
	}
	if s.MinArea < 0 {
		return errors.New("min_area must be non-negative")
	}
	return nil
}

// Blob is one detected contiguous region.
type Blob struct {
	CenterX int `json:"center_x"`
	CenterY int `json:"center_y"`
	Area    int `json:"area"`
	MinX    int `json:"min_x"`
	MinY    int `json:"min_y"`
	MaxX    int `json:"max_x"`
	MaxY    int `json:"max_y"`
}

// Detector finds color blobs in each frame.
type Detector struct {
	conf   pipeline.Config
	logger golog.Logger

	mu       sync.Mutex
	settings Settings
}

// New builds a detector, applying conf.Settings over the defaults.
func New(conf pipeline.Config, logger golog.Logger) (*Detector, error) {
	settings, err := parseSettings(conf.Settings)
	if err != nil {
		return nil, errors.Wrapf(err, "pipeline %q", conf.ID)
	}
	return &Detector{conf: conf, logger: logger, settings: settings}, nil
}

func parseSettings(raw json.RawMessage) (Settings, error) {
	settings := DefaultSettings()
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &settings); err != nil {
			return Settings{}, errors.Wrap(err, "cannot parse colordetect settings")
		}
	}
	if err := settings.validate(); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

// UpdateConfig swaps the HSV window live; the worker loop is not disturbed.
func (d *Detector) UpdateConfig(raw json.RawMessage) error {
	settings, err := parseSettings(raw)
	if err != nil {
		return errors.Wrapf(err, "pipeline %q", d.conf.ID)
	}
	d.mu.Lock()
	d.settings = settings
	d.mu.Unlock()
	return nil
}

// Close implements pipeline.Pipeline; the detector holds no resources.
func (d *Detector) Close() error {
	return nil
}

// Process thresholds the image, extracts contiguous blobs at least min_area
// large, and returns them largest-first with an annotated overlay.
func (d *Detector) Process(ctx context.Context, colorImg, depth image.Image) (pipeline.Result, error) {
	start := time.Now()
	d.mu.Lock()
	settings := d.settings
	d.mu.Unlock()

	mask := threshold(colorImg, settings)
	blobs := extractBlobs(mask, colorImg.Bounds(), settings.MinArea)

	return pipeline.Result{
		Detections:     blobs,
		Annotated:      annotate(colorImg, blobs),
		ProcessingTime: time.Since(start),
	}, nil
}

func threshold(img image.Image, settings Settings) []bool {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	mask := make([]bool, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c, ok := colorful.MakeColor(img.At(bounds.Min.X+x, bounds.Min.Y+y))
			if !ok {
				continue
			}
			hue, sat, val := c.Hsv()
			if hue >= settings.HueMin && hue <= settings.HueMax &&
				sat >= settings.SatMin && val >= settings.ValMin {
				mask[y*w+x] = true
			}
		}
	}
	return mask
}

// extractBlobs runs a 4-connected flood fill over the mask, keeping blobs of
// at least minArea pixels, ordered largest-first.
func extractBlobs(mask []bool, bounds image.Rectangle, minArea int) []Blob {
	w, h := bounds.Dx(), bounds.Dy()
	visited := make([]bool, len(mask))
	var blobs []Blob

	for start := range mask {
		if !mask[start] || visited[start] {
			continue
		}
		blob := Blob{MinX: w, MinY: h, MaxX: -1, MaxY: -1}
		var sumX, sumY int
		stack := []int{start}
		visited[start] = true
		for len(stack) > 0 {
			idx := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			x, y := idx%w, idx/w

			blob.Area++
			sumX += x
			sumY += y
			if x < blob.MinX {
				blob.MinX = x
			}
			if y < blob.MinY {
				blob.MinY = y
			}
			if x > blob.MaxX {
				blob.MaxX = x
			}
			if y > blob.MaxY {
				blob.MaxY = y
			}

			for _, next := range [4]int{idx - 1, idx + 1, idx - w, idx + w} {
				if next < 0 || next >= len(mask) || visited[next] || !mask[next] {
					continue
				}
				// Horizontal neighbors must stay on the same row.
				if (next == idx-1 || next == idx+1) && next/w != y {
					continue
				}
				visited[next] = true
				stack = append(stack, next)
			}
		}
		if blob.Area < minArea {
			continue
		}
		blob.CenterX = sumX / blob.Area
		blob.CenterY = sumY / blob.Area
		blobs = insertByArea(blobs, blob)
	}
	return blobs
}

func insertByArea(blobs []Blob, blob Blob) []Blob {
	at := len(blobs)
	for i, b := range blobs {
		if blob.Area > b.Area {
			at = i
			break
		}
	}
	blobs = append(blobs, Blob{})
	copy(blobs[at+1:], blobs[at:])
	blobs[at] = blob
	return blobs
}

func annotate(img image.Image, blobs []Blob) image.Image {
	dc := gg.NewContextForImage(img)
	minX, minY := img.Bounds().Min.X, img.Bounds().Min.Y
	dc.SetLineWidth(2)
	for _, b := range blobs {
		dc.SetRGB(1, 0, 0)
		dc.DrawRectangle(
			float64(minX+b.MinX), float64(minY+b.MinY),
			float64(b.MaxX-b.MinX+1), float64(b.MaxY-b.MinY+1))
		dc.Stroke()

		dc.SetRGB(1, 1, 0)
		cx, cy := float64(minX+b.CenterX), float64(minY+b.CenterY)
		dc.DrawLine(cx-4, cy, cx+4, cy)
		dc.DrawLine(cx, cy-4, cx, cy+4)
		dc.Stroke()
	}
	return dc.Image()
}
