// Package webpreview reads public channels from their t.me/s/<name>
// preview pages. It needs no account but only sees public channels, and
// only photos and videos can be downloaded from the page.
package webpreview

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"tgrelay/internal/content"
	"tgrelay/internal/source"
	logx "tgrelay/pkg/logx"
)

const (
	defaultBaseURL  = "https://t.me"
	defaultMaxMedia = 50 << 20
	userAgent       = "Mozilla/5.0 (compatible; tgrelay/1.0)"
)

type Config struct {
	BaseURL  string
	Timeout  time.Duration // per request
	MaxMedia int64
}

type Client struct {
	cfg  Config
	http *http.Client
	log  logx.Logger
}

func New(cfg Config, log logx.Logger) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.MaxMedia <= 0 {
		cfg.MaxMedia = defaultMaxMedia
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log.With(logx.String("comp", "webpreview")),
	}
}

func username(channel string) (string, error) {
	if _, numeric := source.ChannelID(channel); numeric {
		return "", source.NotFound(channel, errors.New("preview pages need a public @username"))
	}
	name := strings.TrimPrefix(source.NormalizeChannel(channel), "@")
	if name == "" {
		return "", source.NotFound(channel, errors.New("empty channel name"))
	}
	return name, nil
}

func (c *Client) Resolve(ctx context.Context, channel string) error {
	_, err := c.page(ctx, channel, 0)
	return err
}

func (c *Client) History(ctx context.Context, channel string, afterID int64, limit int) ([]source.Message, error) {
	doc, err := c.page(ctx, channel, afterID)
	if err != nil {
		return nil, err
	}
	msgs := parseMessages(doc)
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })

	out := msgs[:0]
	for _, m := range msgs {
		if m.ID > afterID {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (c *Client) page(ctx context.Context, channel string, afterID int64) (*goquery.Document, error) {
	name, err := username(channel)
	if err != nil {
		return nil, err
	}
	u := c.cfg.BaseURL + "/s/" + url.PathEscape(name)
	if afterID > 0 {
		u += "?after=" + strconv.FormatInt(afterID, 10)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, source.NotFound(channel, nil)
	case resp.StatusCode/100 != 2:
		return nil, source.Unavailable("GET %s: http %d", u, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, source.Unavailable("parse %s: %v", u, err)
	}
	// Private or missing channels redirect to a plain landing page
	// without the channel header.
	if doc.Find(".tgme_channel_info").Length() == 0 && doc.Find(".tgme_widget_message").Length() == 0 {
		return nil, source.NotFound(channel, errors.New("no public preview"))
	}
	return doc, nil
}

var backgroundURL = regexp.MustCompile(`background-image:\s*url\(['"]?([^'")]+)['"]?\)`)

func parseMessages(doc *goquery.Document) []source.Message {
	var out []source.Message
	doc.Find(".tgme_widget_message[data-post]").Each(func(_ int, s *goquery.Selection) {
		id, ok := postID(s.AttrOr("data-post", ""))
		if !ok {
			return
		}
		date := parseDate(s.Find(".tgme_widget_message_date time").AttrOr("datetime", ""))
		text := messageText(s.Find(".tgme_widget_message_text").First())

		grouped := s.Find(".tgme_widget_message_grouped_wrap")
		if grouped.Length() > 0 {
			first := true
			grouped.Find(".tgme_widget_message_photo_wrap, .tgme_widget_message_video_player").Each(func(_ int, g *goquery.Selection) {
				gid, ok := postID(g.AttrOr("href", ""))
				if !ok {
					return
				}
				m := mediaMessage(g)
				m.ID, m.Date, m.GroupID = gid, date, id
				if first {
					m.Text = text
					first = false
				}
				if m.Kind != content.KindText {
					out = append(out, m)
				}
			})
			return
		}

		m := mediaMessage(s)
		m.ID, m.Date, m.Text = id, date, text
		if m.Kind == content.KindText && strings.TrimSpace(text) == "" {
			return
		}
		out = append(out, m)
	})
	return out
}

func mediaMessage(s *goquery.Selection) source.Message {
	photo := s
	if !s.HasClass("tgme_widget_message_photo_wrap") {
		photo = s.Find(".tgme_widget_message_photo_wrap").First()
	}
	if photo.Length() > 0 {
		if m := backgroundURL.FindStringSubmatch(photo.AttrOr("style", "")); m != nil {
			return source.Message{Kind: content.KindPhoto, MIME: "image/jpeg", FileName: fileName(m[1], "photo.jpg"), Ref: m[1]}
		}
	}
	if src, ok := s.Find("video.tgme_widget_message_video").First().Attr("src"); ok && src != "" {
		return source.Message{Kind: content.KindVideo, MIME: "video/mp4", FileName: fileName(src, "video.mp4"), Ref: src}
	}
	// Documents are not downloadable from previews; relay their caption.
	return source.Message{Kind: content.KindText}
}

// postID parses "channel/123" into 123.
func postID(post string) (int64, bool) {
	i := strings.LastIndexByte(post, '/')
	if i < 0 {
		return 0, false
	}
	post = post[i+1:]
	if j := strings.IndexAny(post, "?#"); j >= 0 {
		post = post[:j]
	}
	id, err := strconv.ParseInt(post, 10, 64)
	return id, err == nil && id > 0
}

func parseDate(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func messageText(s *goquery.Selection) string {
	if s.Length() == 0 {
		return ""
	}
	s = s.Clone()
	s.Find("br").ReplaceWithHtml("\n")
	return strings.TrimSpace(s.Text())
}

func fileName(rawURL, def string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return def
	}
	base := u.Path[strings.LastIndexByte(u.Path, '/')+1:]
	if base == "" {
		return def
	}
	return base
}

func (c *Client) Download(ctx context.Context, channel string, m source.Message) ([]byte, error) {
	src, ok := m.Ref.(string)
	if !ok || src == "" {
		return nil, fmt.Errorf("%w: message %d has no media url", source.ErrMediaGone, m.ID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", source.ErrMediaGone, err)
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("%w: http %d", source.ErrMediaGone, resp.StatusCode)
	case resp.StatusCode/100 != 2:
		return nil, source.Unavailable("download message %d: http %d", m.ID, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxMedia+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > c.cfg.MaxMedia {
		return nil, fmt.Errorf("%w: message %d media exceeds %d bytes", source.ErrMediaGone, m.ID, c.cfg.MaxMedia)
	}
	c.log.Debug("media downloaded", logx.String("channel", channel), logx.Int64("msg_id", m.ID), logx.Int("bytes", len(data)))
	return data, nil
}
