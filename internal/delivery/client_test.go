package delivery

import (
	"context"
	"errors"
	"testing"

	"tgrelay/internal/content"
	"tgrelay/internal/transport"
)

type recordingSender struct {
	texts  []string
	media  []transport.Media
	err    error
	ctxErr error
}

func (s *recordingSender) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	s.ctxErr = ctx.Err()
	if s.err != nil {
		return transport.MessageRef{}, s.err
	}
	s.texts = append(s.texts, text)
	return transport.MessageRef{Chat: to.Chat(), MessageID: 100 + len(s.texts)}, nil
}

func (s *recordingSender) SendMedia(ctx context.Context, to transport.ChatTarget, m transport.Media, opt *transport.SendOptions) (transport.MessageRef, error) {
	s.ctxErr = ctx.Err()
	if s.err != nil {
		return transport.MessageRef{}, s.err
	}
	s.media = append(s.media, m)
	return transport.MessageRef{Chat: to.Chat(), MessageID: 200 + len(s.media)}, nil
}

func TestClientSendKinds(t *testing.T) {
	t.Parallel()

	s := &recordingSender{}
	c := NewClient(s, 0)
	to := transport.ChatTarget{ChatID: -100}

	res := c.Send(context.Background(), to, content.Payload{Kind: content.KindText, Caption: "hi"})
	if !res.OK() || res.MessageID != 101 || len(s.texts) != 1 {
		t.Fatalf("text: %+v", res)
	}
	res = c.Send(context.Background(), to, content.Payload{Kind: content.KindVideo, Data: []byte{1}, Caption: "v"})
	if !res.OK() || len(s.media) != 1 || s.media[0].Kind != transport.MediaVideo || s.media[0].Caption != "v" {
		t.Fatalf("video: %+v %+v", res, s.media)
	}
	res = c.Send(context.Background(), to, content.Payload{Kind: content.Kind("poll")})
	if res.Kind != Permanent {
		t.Fatalf("unknown kind: %+v", res)
	}
}

func TestClientSendDetachesCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	s := &recordingSender{}
	c := NewClient(s, 0)

	res := c.Send(ctx, transport.ChatTarget{ChatID: 1}, content.Payload{Kind: content.KindText, Caption: "x"})
	if !res.OK() || s.ctxErr != nil {
		t.Fatalf("res=%+v ctxErr=%v", res, s.ctxErr)
	}

	cancel()
	res = c.Send(ctx, transport.ChatTarget{ChatID: 1}, content.Payload{Kind: content.KindText, Caption: "x"})
	if res.Kind != Transient || !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("cancelled send should not start: %+v", res)
	}
	if len(s.texts) != 1 {
		t.Fatalf("sender called after cancel")
	}
}

func TestClientSendClassifiesErrors(t *testing.T) {
	t.Parallel()

	c := NewClient(&recordingSender{err: errors.New("telegram: Forbidden: bot was kicked (403)")}, 0)
	res := c.Send(context.Background(), transport.ChatTarget{ChatID: 1}, content.Payload{Kind: content.KindText, Caption: "x"})
	if res.Kind != Forbidden {
		t.Fatalf("res=%+v", res)
	}
}
