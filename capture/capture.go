// Package capture provides the screen frame source backing host mode:
// it grabs the local display and encodes it as JPEG at a requested quality.
package capture

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/kbinani/screenshot"
)

// ErrNoDisplay indicates no capturable display is attached.
var ErrNoDisplay = errors.New("capture: no active display")

type grabFunc func(displayIndex int) (*image.RGBA, error)

// Source captures one display. It implements network.ScreenSource. Quality
// is trusted to be in 1..100; callers clamp before invoking Capture.
type Source struct {
	display int
	grab    grabFunc
}

// New returns a source for the given display index (0 is the primary).
func New(display int) *Source {
	return &Source{
		display: display,
		grab:    grabDisplay,
	}
}

// Capture grabs the display and returns JPEG bytes at the given quality.
func (s *Source) Capture(quality int) ([]byte, error) {
	img, err := s.grab(s.display)
	if err != nil {
		return nil, err
	}
	return EncodeJPEG(img, quality)
}

// EncodeJPEG encodes an image at the given JPEG quality.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

func grabDisplay(displayIndex int) (*image.RGBA, error) {
	if screenshot.NumActiveDisplays() <= displayIndex {
		return nil, ErrNoDisplay
	}
	bounds := screenshot.GetDisplayBounds(displayIndex)
	img, err := screenshot.CaptureRect(bounds)
	if err != nil {
		return nil, fmt.Errorf("capture display %d: %w", displayIndex, err)
	}
	return img, nil
}
