package delivery

import (
	"context"
	"fmt"
	"time"

	"tgrelay/internal/content"
	"tgrelay/internal/transport"
)

const defaultSendTimeout = 60 * time.Second

// Client sends one payload to one destination per call.
type Client struct {
	sender  transport.Sender
	timeout time.Duration
}

func NewClient(sender transport.Sender, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	return &Client{sender: sender, timeout: timeout}
}

// Send posts p to dest. An attempt that has started is allowed to finish
// even if ctx is cancelled meanwhile; it is still bounded by the send
// timeout.
func (c *Client) Send(ctx context.Context, dest transport.ChatTarget, p content.Payload) Result {
	if err := ctx.Err(); err != nil {
		return Result{Kind: Transient, Err: err}
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	opt := &transport.SendOptions{}
	var (
		ref transport.MessageRef
		err error
	)
	switch p.Kind {
	case content.KindText:
		ref, err = c.sender.SendText(sctx, dest, p.Caption, opt)
	case content.KindPhoto, content.KindVideo, content.KindDocument:
		ref, err = c.sender.SendMedia(sctx, dest, transport.Media{
			Kind:     mediaKind(p.Kind),
			Data:     p.Data,
			FileName: p.FileName,
			MIME:     p.MIME,
			Caption:  p.Caption,
		}, opt)
	default:
		return Result{Kind: Permanent, Err: fmt.Errorf("cannot send %q payload", p.Kind)}
	}
	if err != nil {
		return Classify(err)
	}
	return Result{Kind: Delivered, MessageID: ref.MessageID}
}

func mediaKind(k content.Kind) transport.MediaKind {
	switch k {
	case content.KindPhoto:
		return transport.MediaPhoto
	case content.KindVideo:
		return transport.MediaVideo
	default:
		return transport.MediaDocument
	}
}
