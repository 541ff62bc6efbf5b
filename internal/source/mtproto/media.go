package mtproto

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/tg"

	"tgrelay/internal/content"
	"tgrelay/internal/source"
)

const defaultMaxMedia = 50 << 20

// mediaRef is what Download needs to fetch a file.
type mediaRef struct {
	loc  tg.InputFileLocationClass
	size int64
}

func convert(m *tg.Message) source.Message {
	out := source.Message{
		ID:      int64(m.ID),
		Date:    time.Unix(int64(m.Date), 0).UTC(),
		GroupID: m.GroupedID,
		Text:    m.Message,
		Kind:    content.KindText,
	}
	switch media := m.Media.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := media.Photo.(*tg.Photo)
		if !ok {
			return out
		}
		size, bytesHint := largestSize(photo.Sizes)
		if size == "" {
			return out
		}
		out.Kind = content.KindPhoto
		out.MIME = "image/jpeg"
		out.FileName = fmt.Sprintf("photo_%d.jpg", photo.ID)
		out.Size = bytesHint
		out.Ref = mediaRef{
			loc: &tg.InputPhotoFileLocation{
				ID:            photo.ID,
				AccessHash:    photo.AccessHash,
				FileReference: photo.FileReference,
				ThumbSize:     size,
			},
			size: bytesHint,
		}
	case *tg.MessageMediaDocument:
		doc, ok := media.Document.(*tg.Document)
		if !ok {
			return out
		}
		out.Kind = content.KindDocument
		out.MIME = doc.MimeType
		out.Size = doc.Size
		for _, attr := range doc.Attributes {
			switch a := attr.(type) {
			case *tg.DocumentAttributeVideo:
				out.Kind = content.KindVideo
			case *tg.DocumentAttributeFilename:
				out.FileName = a.FileName
			}
		}
		if out.FileName == "" {
			out.FileName = fmt.Sprintf("file_%d", doc.ID)
		}
		out.Ref = mediaRef{
			loc: &tg.InputDocumentFileLocation{
				ID:            doc.ID,
				AccessHash:    doc.AccessHash,
				FileReference: doc.FileReference,
			},
			size: doc.Size,
		}
	}
	return out
}

// largestSize picks the biggest downloadable photo size.
func largestSize(sizes []tg.PhotoSizeClass) (string, int64) {
	var (
		best     string
		bestArea int
		bestSize int64
	)
	for _, s := range sizes {
		var (
			typ  string
			area int
			n    int64
		)
		switch v := s.(type) {
		case *tg.PhotoSize:
			typ, area, n = v.Type, v.W*v.H, int64(v.Size)
		case *tg.PhotoSizeProgressive:
			typ, area = v.Type, v.W*v.H
			if len(v.Sizes) > 0 {
				n = int64(v.Sizes[len(v.Sizes)-1])
			}
		default:
			continue
		}
		if area > bestArea {
			best, bestArea, bestSize = typ, area, n
		}
	}
	return best, bestSize
}

func (c *Client) Download(ctx context.Context, channel string, m source.Message) ([]byte, error) {
	ref, ok := m.Ref.(mediaRef)
	if !ok {
		return nil, fmt.Errorf("%w: message %d has no file location", source.ErrMediaGone, m.ID)
	}
	limit := c.cfg.MaxMedia
	if limit <= 0 {
		limit = defaultMaxMedia
	}
	if ref.size > limit {
		return nil, fmt.Errorf("%w: message %d media is %d bytes (limit %d)", source.ErrMediaGone, m.ID, ref.size, limit)
	}
	if err := c.WaitReady(ctx); err != nil {
		return nil, err
	}

	buf := &limitedBuffer{max: limit}
	if _, err := downloader.NewDownloader().Download(c.api, ref.loc).Stream(ctx, buf); err != nil {
		if buf.exceeded {
			return nil, fmt.Errorf("%w: message %d media exceeds %d bytes", source.ErrMediaGone, m.ID, limit)
		}
		return nil, mapErr(channel, err)
	}
	return buf.Bytes(), nil
}

type limitedBuffer struct {
	bytes.Buffer
	max      int64
	exceeded bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if int64(b.Len()+len(p)) > b.max {
		b.exceeded = true
		return 0, fmt.Errorf("media exceeds %d bytes", b.max)
	}
	return b.Buffer.Write(p)
}
