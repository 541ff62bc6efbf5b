package webpreview

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"tgrelay/internal/content"
	"tgrelay/internal/source"
	logx "tgrelay/pkg/logx"
)

const pageTmpl = `<html><body>
<div class="tgme_channel_info"><div class="tgme_channel_info_header_title">Demo</div></div>
<div class="tgme_widget_message_wrap">
  <div class="tgme_widget_message" data-post="demo/10">
    <div class="tgme_widget_message_text">first line<br/>second line</div>
    <a class="tgme_widget_message_date" href="https://t.me/demo/10"><time datetime="2024-05-01T10:00:00+00:00">10:00</time></a>
  </div>
</div>
<div class="tgme_widget_message_wrap">
  <div class="tgme_widget_message" data-post="demo/11">
    <a class="tgme_widget_message_photo_wrap" href="https://t.me/demo/11" style="width:800px;background-image:url('%[1]s/file/a.jpg')"></a>
    <div class="tgme_widget_message_text">photo caption</div>
    <a class="tgme_widget_message_date"><time datetime="2024-05-01T10:05:00+00:00">10:05</time></a>
  </div>
</div>
<div class="tgme_widget_message_wrap">
  <div class="tgme_widget_message" data-post="demo/12">
    <div class="tgme_widget_message_grouped_wrap"><div class="tgme_widget_message_grouped">
      <a class="tgme_widget_message_photo_wrap grouped_media_wrap" href="https://t.me/demo/12" style="background-image:url('%[1]s/file/b.jpg')"></a>
      <a class="tgme_widget_message_photo_wrap grouped_media_wrap" href="https://t.me/demo/13?single" style="background-image:url('%[1]s/file/c.jpg')"></a>
    </div></div>
    <div class="tgme_widget_message_text">album</div>
  </div>
</div>
<div class="tgme_widget_message_wrap">
  <div class="tgme_widget_message" data-post="demo/14">
    <div class="tgme_widget_message_video_player"><video class="tgme_widget_message_video" src="%[1]s/file/v.mp4"></video></div>
  </div>
</div>
<div class="tgme_widget_message_wrap">
  <div class="tgme_widget_message service_message" data-post="demo/15"></div>
</div>
</body></html>`

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/s/demo":
			fmt.Fprintf(w, pageTmpl, srv.URL)
		case r.URL.Path == "/s/private":
			fmt.Fprint(w, `<html><body><div class="tgme_page">Contact</div></body></html>`)
		case r.URL.Path == "/s/flaky":
			w.WriteHeader(http.StatusBadGateway)
		case strings.HasPrefix(r.URL.Path, "/file/gone"):
			http.NotFound(w, r)
		case strings.HasPrefix(r.URL.Path, "/file/"):
			fmt.Fprint(w, "bytes:"+strings.TrimPrefix(r.URL.Path, "/file/"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHistoryParsesPreview(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	c := New(Config{BaseURL: srv.URL}, logx.Nop())

	msgs, err := c.History(context.Background(), "@demo", 0, 100)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	type want struct {
		id      int64
		kind    content.Kind
		text    string
		groupID int64
	}
	wants := []want{
		{10, content.KindText, "first line\nsecond line", 0},
		{11, content.KindPhoto, "photo caption", 0},
		{12, content.KindPhoto, "album", 12},
		{13, content.KindPhoto, "", 12},
		{14, content.KindVideo, "", 0},
	}
	if len(msgs) != len(wants) {
		t.Fatalf("got %d messages: %+v", len(msgs), msgs)
	}
	for i, w := range wants {
		m := msgs[i]
		if m.ID != w.id || m.Kind != w.kind || m.Text != w.text || m.GroupID != w.groupID {
			t.Fatalf("msg[%d]=%+v want %+v", i, m, w)
		}
	}
	if msgs[0].Date.IsZero() || msgs[0].Date.Hour() != 10 {
		t.Fatalf("date not parsed: %v", msgs[0].Date)
	}

	data, err := c.Download(context.Background(), "@demo", msgs[1])
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if string(data) != "bytes:a.jpg" {
		t.Fatalf("data=%q", data)
	}
}

func TestHistoryAfterAndLimit(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	c := New(Config{BaseURL: srv.URL}, logx.Nop())

	msgs, err := c.History(context.Background(), "demo", 11, 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != 12 || msgs[1].ID != 13 {
		t.Fatalf("unexpected: %+v", msgs)
	}
}

func TestResolveErrors(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	c := New(Config{BaseURL: srv.URL}, logx.Nop())

	cases := []struct {
		channel string
		want    error
	}{
		{"@private", source.ErrSourceNotFound},
		{"@nosuch", source.ErrSourceNotFound},
		{"-1001234", source.ErrSourceNotFound},
		{"@flaky", source.ErrSourceUnavailable},
	}
	for _, tc := range cases {
		if err := c.Resolve(context.Background(), tc.channel); !errors.Is(err, tc.want) {
			t.Fatalf("Resolve(%s)=%v want %v", tc.channel, err, tc.want)
		}
	}
	if err := c.Resolve(context.Background(), "@demo"); err != nil {
		t.Fatalf("Resolve(@demo)=%v", err)
	}
}

func TestDownloadGoneAndOversized(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	c := New(Config{BaseURL: srv.URL, MaxMedia: 4}, logx.Nop())

	_, err := c.Download(context.Background(), "@demo", source.Message{ID: 1, Ref: srv.URL + "/file/gone.jpg"})
	if !errors.Is(err, source.ErrMediaGone) {
		t.Fatalf("gone: err=%v", err)
	}
	_, err = c.Download(context.Background(), "@demo", source.Message{ID: 2, Ref: srv.URL + "/file/big.jpg"})
	if !errors.Is(err, source.ErrMediaGone) {
		t.Fatalf("oversized: err=%v", err)
	}
	_, err = c.Download(context.Background(), "@demo", source.Message{ID: 3})
	if !errors.Is(err, source.ErrMediaGone) {
		t.Fatalf("no ref: err=%v", err)
	}
}

func TestReaderOverPreview(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	r := source.NewReader(New(Config{BaseURL: srv.URL}, logx.Nop()), source.Config{FallbackWindow: -1}, logx.Nop())

	items, next, err := r.Fetch(context.Background(), "@demo", 0)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(items) != 5 || next != 14 {
		t.Fatalf("items=%d next=%d", len(items), next)
	}
	if string(items[4].Payload.Data) != "bytes:v.mp4" {
		t.Fatalf("video payload=%q", items[4].Payload.Data)
	}
}

func TestPostID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"demo/10", 10, true},
		{"https://t.me/demo/13?single", 13, true},
		{"demo", 0, false},
		{"demo/x", 0, false},
	}
	for _, tc := range cases {
		got, ok := postID(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("postID(%q)=%d,%v", tc.in, got, ok)
		}
	}
}
