package media

import (
	"fmt"
	"image"
	"strings"

	"github.com/disintegration/imaging"
)

type Position string

const (
	TopLeft     Position = "top-left"
	TopRight    Position = "top-right"
	BottomLeft  Position = "bottom-left"
	BottomRight Position = "bottom-right"
	Center      Position = "center"
)

func ParsePosition(s string) (Position, error) {
	switch p := Position(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return BottomRight, nil
	case TopLeft, TopRight, BottomLeft, BottomRight, Center:
		return p, nil
	default:
		return "", fmt.Errorf("unknown watermark position %q", s)
	}
}

// Watermark is overlaid on every photo. The mark is scaled down so it
// never covers more than MaxFraction of the photo width.
type Watermark struct {
	Image       image.Image
	Position    Position
	Opacity     float64
	MaxFraction float64
	Margin      int
}

// LoadWatermark reads a watermark image from disk.
func LoadWatermark(path string, pos Position, opacity float64) (*Watermark, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load watermark: %w", err)
	}
	if opacity <= 0 || opacity > 1 {
		opacity = 1
	}
	return &Watermark{Image: img, Position: pos, Opacity: opacity, MaxFraction: 0.25, Margin: 16}, nil
}

func (w *Watermark) apply(img image.Image) image.Image {
	if w == nil || w.Image == nil {
		return img
	}
	b := img.Bounds()
	mark := w.Image
	frac := w.MaxFraction
	if frac <= 0 || frac > 1 {
		frac = 0.25
	}
	if limit := int(float64(b.Dx()) * frac); limit > 0 && mark.Bounds().Dx() > limit {
		mark = imaging.Resize(mark, limit, 0, imaging.Lanczos)
	}
	mb := mark.Bounds()
	if mb.Dx() > b.Dx() || mb.Dy() > b.Dy() {
		return img
	}

	margin := w.Margin
	if margin*2+mb.Dx() > b.Dx() || margin*2+mb.Dy() > b.Dy() {
		margin = 0
	}
	var pt image.Point
	switch w.Position {
	case TopLeft:
		pt = image.Pt(margin, margin)
	case TopRight:
		pt = image.Pt(b.Dx()-mb.Dx()-margin, margin)
	case BottomLeft:
		pt = image.Pt(margin, b.Dy()-mb.Dy()-margin)
	case Center:
		pt = image.Pt((b.Dx()-mb.Dx())/2, (b.Dy()-mb.Dy())/2)
	default:
		pt = image.Pt(b.Dx()-mb.Dx()-margin, b.Dy()-mb.Dy()-margin)
	}
	return imaging.Overlay(img, mark, pt, w.Opacity)
}
