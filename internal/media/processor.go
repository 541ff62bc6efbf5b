package media

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"tgrelay/internal/content"
)

var (
	// ErrUnsupportedMedia marks payloads the processor cannot handle at all.
	ErrUnsupportedMedia = errors.New("unsupported media")
	// ErrProcessing marks payloads that look supported but fail to process.
	ErrProcessing = errors.New("media processing failed")
)

const (
	defaultMaxDimension  = 2560
	defaultMaxPhotoBytes = 10 << 20
	defaultMaxFileBytes  = 50 << 20
	defaultJPEGQuality   = 87
	defaultMaxCaption    = 1024
	defaultMaxText       = 4096

	// bot API photo constraints
	maxSideSum     = 10000
	maxAspect      = 20
	minJPEGQuality = 50
)

type Config struct {
	MaxDimension  int   // longest photo side after resizing
	MaxPhotoBytes int64 // encoded photo limit
	MaxFileBytes  int64 // video/document upload limit
	JPEGQuality   int
	MaxCaption    int // runes, media captions
	MaxText       int // runes, text messages
	Watermark     *Watermark
}

func (c Config) withDefaults() Config {
	if c.MaxDimension <= 0 {
		c.MaxDimension = defaultMaxDimension
	}
	if c.MaxPhotoBytes <= 0 {
		c.MaxPhotoBytes = defaultMaxPhotoBytes
	}
	if c.MaxFileBytes <= 0 {
		c.MaxFileBytes = defaultMaxFileBytes
	}
	if c.JPEGQuality <= 0 || c.JPEGQuality > 100 {
		c.JPEGQuality = defaultJPEGQuality
	}
	if c.MaxCaption <= 0 {
		c.MaxCaption = defaultMaxCaption
	}
	if c.MaxText <= 0 {
		c.MaxText = defaultMaxText
	}
	return c
}

// Processor is safe for concurrent use; it holds no mutable state.
type Processor struct {
	cfg Config
}

func New(cfg Config) *Processor {
	return &Processor{cfg: cfg.withDefaults()}
}

// Transform returns the payload as it should be posted.
func (p *Processor) Transform(in content.Payload) (content.Payload, error) {
	switch in.Kind {
	case content.KindText:
		text := strings.TrimSpace(in.Caption)
		if text == "" {
			return content.Payload{}, fmt.Errorf("%w: empty text message", ErrProcessing)
		}
		return content.Payload{Kind: content.KindText, Caption: clip(text, p.cfg.MaxText)}, nil
	case content.KindPhoto:
		return p.photo(in)
	case content.KindVideo, content.KindDocument:
		return p.file(in)
	default:
		return content.Payload{}, fmt.Errorf("%w: kind %q", ErrUnsupportedMedia, in.Kind)
	}
}

func (p *Processor) file(in content.Payload) (content.Payload, error) {
	if len(in.Data) == 0 {
		return content.Payload{}, fmt.Errorf("%w: empty %s payload", ErrProcessing, in.Kind)
	}
	if int64(len(in.Data)) > p.cfg.MaxFileBytes {
		return content.Payload{}, fmt.Errorf("%w: %s of %d bytes exceeds %d", ErrUnsupportedMedia, in.Kind, len(in.Data), p.cfg.MaxFileBytes)
	}
	out := in
	out.Caption = clip(strings.TrimSpace(in.Caption), p.cfg.MaxCaption)
	return out, nil
}

func (p *Processor) photo(in content.Payload) (content.Payload, error) {
	if len(in.Data) == 0 {
		return content.Payload{}, fmt.Errorf("%w: empty photo payload", ErrProcessing)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(in.Data))
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return content.Payload{}, fmt.Errorf("%w: unknown image format", ErrUnsupportedMedia)
		}
		return content.Payload{}, fmt.Errorf("%w: %v", ErrProcessing, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return content.Payload{}, fmt.Errorf("%w: %s with zero dimension", ErrProcessing, format)
	}

	caption := clip(strings.TrimSpace(in.Caption), p.cfg.MaxCaption)

	// Panoramas outside the photo aspect limit still go through, as files.
	if aspect(cfg.Width, cfg.Height) > maxAspect {
		return p.file(content.Payload{Kind: content.KindDocument, Data: in.Data, FileName: in.FileName, MIME: in.MIME, Caption: caption})
	}

	img, err := imaging.Decode(bytes.NewReader(in.Data), imaging.AutoOrientation(true))
	if err != nil {
		return content.Payload{}, fmt.Errorf("%w: decode %s: %v", ErrProcessing, format, err)
	}

	img = p.fit(img, p.cfg.MaxDimension)
	if p.cfg.Watermark != nil {
		img = p.cfg.Watermark.apply(img)
	}

	data, err := p.encodeWithin(img)
	if err != nil {
		return content.Payload{}, err
	}
	return content.Payload{
		Kind:     content.KindPhoto,
		Caption:  caption,
		Data:     data,
		FileName: jpegName(in.FileName),
		MIME:     "image/jpeg",
	}, nil
}

func (p *Processor) fit(img image.Image, maxSide int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxSide && h <= maxSide && w+h <= maxSideSum {
		return img
	}
	if w+h > maxSideSum {
		scale := float64(maxSideSum) / float64(w+h)
		if s := int(float64(max(w, h)) * scale); s < maxSide {
			maxSide = s
		}
	}
	return imaging.Fit(img, maxSide, maxSide, imaging.Lanczos)
}

// encodeWithin flattens onto white and encodes as JPEG, lowering quality
// and then dimensions until the result fits MaxPhotoBytes.
func (p *Processor) encodeWithin(img image.Image) ([]byte, error) {
	b := img.Bounds()
	flat := imaging.New(b.Dx(), b.Dy(), color.White)
	flat = imaging.Overlay(flat, img, image.Pt(0, 0), 1)

	var cur image.Image = flat
	for attempt := 0; attempt < 8; attempt++ {
		for q := p.cfg.JPEGQuality; q >= minJPEGQuality; q -= 10 {
			var buf bytes.Buffer
			if err := imaging.Encode(&buf, cur, imaging.JPEG, imaging.JPEGQuality(q)); err != nil {
				return nil, fmt.Errorf("%w: encode: %v", ErrProcessing, err)
			}
			if int64(buf.Len()) <= p.cfg.MaxPhotoBytes {
				return buf.Bytes(), nil
			}
		}
		cb := cur.Bounds()
		nw, nh := cb.Dx()*3/4, cb.Dy()*3/4
		if nw < 1 || nh < 1 {
			break
		}
		cur = imaging.Resize(cur, nw, nh, imaging.Lanczos)
	}
	return nil, fmt.Errorf("%w: photo cannot be encoded under %d bytes", ErrUnsupportedMedia, p.cfg.MaxPhotoBytes)
}

func aspect(w, h int) float64 {
	if w < h {
		w, h = h, w
	}
	return float64(w) / float64(h)
}

func jpegName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "photo.jpg"
	}
	return strings.TrimSuffix(name, path.Ext(name)) + ".jpg"
}

// clip cuts s to at most n runes, marking the cut with an ellipsis.
func clip(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:n-1])) + "…"
}
