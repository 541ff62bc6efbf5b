package delivery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"syscall"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	dialErr := &url.Error{Op: "Post", URL: "https://api.telegram.org", Err: &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}}
	readErr := &url.Error{Op: "Post", URL: "https://api.telegram.org", Err: &net.OpError{Op: "read", Net: "tcp", Err: errors.New("connection reset by peer")}}
	timeoutErr := &url.Error{Op: "Post", URL: "https://api.telegram.org", Err: context.DeadlineExceeded}

	cases := []struct {
		name  string
		err   error
		kind  Kind
		after time.Duration
	}{
		{"nil", nil, Delivered, 0},
		{"flood", tele.FloodError{RetryAfter: 30}, RateLimited, 30 * time.Second},
		{"flood without retry", tele.FloodError{}, RateLimited, defaultFloodWait},
		{"chat not found", tele.ErrChatNotFound, Permanent, 0},
		{"blocked", tele.ErrBlockedByUser, Forbidden, 0},
		{"kicked", tele.ErrKickedFromGroup, Forbidden, 0},
		{"token revoked", tele.ErrUnauthorized, Unauthorized, 0},
		{"wrapped token revoked", fmt.Errorf("send: %w", tele.ErrUnauthorized), Unauthorized, 0},
		{"unmapped 401", errors.New("telegram: Unauthorized (401)"), Unauthorized, 0},
		{"api 502", &tele.Error{Code: 502, Description: "Bad Gateway"}, Transient, 0},
		{"unmapped 400", errors.New("telegram: Bad Request: wrong file identifier (400)"), Permanent, 0},
		{"unmapped 500", errors.New("telegram: Internal Server Error (500)"), Transient, 0},
		{"unmapped 429", errors.New("telegram: Too Many Requests (429)"), RateLimited, defaultFloodWait},
		{"dial refused", fmt.Errorf("telebot: %w", dialErr), Transient, 0},
		{"dns", &url.Error{Op: "Post", Err: &net.DNSError{Err: "no such host", Name: "api.telegram.org"}}, Transient, 0},
		{"read reset", fmt.Errorf("telebot: %w", readErr), Unknown, 0},
		{"timeout", fmt.Errorf("telebot: %w", timeoutErr), Unknown, 0},
		{"cancelled before send", context.Canceled, Transient, 0},
		{"opaque", errors.New("something odd"), Unknown, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := Classify(tc.err)
			if got.Kind != tc.kind {
				t.Fatalf("kind=%s want %s (err=%v)", got.Kind, tc.kind, tc.err)
			}
			if got.RetryAfter != tc.after {
				t.Fatalf("retry_after=%s want %s", got.RetryAfter, tc.after)
			}
			if tc.err != nil && got.Err == nil {
				t.Fatalf("error dropped")
			}
		})
	}
}

func TestResultString(t *testing.T) {
	t.Parallel()

	if s := (Result{Kind: RateLimited, RetryAfter: time.Second}).String(); s != "rate limited (retry after 1s)" {
		t.Fatalf("got %q", s)
	}
	if s := (Result{Kind: Permanent, Err: errors.New("x")}).String(); s != "permanent: x" {
		t.Fatalf("got %q", s)
	}
	if s := (Result{Kind: Unauthorized, Err: errors.New("x")}).String(); s != "unauthorized: x" {
		t.Fatalf("got %q", s)
	}
	if !(Result{Kind: Delivered}).OK() || (Result{Kind: Unknown}).OK() {
		t.Fatalf("OK mismatch")
	}
}
