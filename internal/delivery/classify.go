package delivery

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strconv"
	"syscall"
	"time"

	tele "gopkg.in/telebot.v4"
)

// defaultFloodWait applies when a 429 carries no usable retry_after.
const defaultFloodWait = 5 * time.Second

// telebot renders unmapped API errors as "telegram: <description> (<code>)".
var apiErrorCode = regexp.MustCompile(`\((\d{3})\)\s*$`)

// Classify maps an error returned by the bot transport to a Result.
func Classify(err error) Result {
	if err == nil {
		return Result{Kind: Delivered}
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return Result{Kind: RateLimited, RetryAfter: retryAfter(flood.RetryAfter), Err: err}
	}
	var floodPtr *tele.FloodError
	if errors.As(err, &floodPtr) && floodPtr != nil {
		return Result{Kind: RateLimited, RetryAfter: retryAfter(floodPtr.RetryAfter), Err: err}
	}

	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		return Result{Kind: byCode(apiErr.Code), Err: err, RetryAfter: retryIf(apiErr.Code)}
	}
	if m := apiErrorCode.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[1])
		return Result{Kind: byCode(code), Err: err, RetryAfter: retryIf(code)}
	}

	return Result{Kind: networkKind(err), Err: err}
}

func retryAfter(sec int) time.Duration {
	if sec <= 0 {
		return defaultFloodWait
	}
	return time.Duration(sec) * time.Second
}

func retryIf(code int) time.Duration {
	if code == 429 {
		return defaultFloodWait
	}
	return 0
}

func byCode(code int) Kind {
	switch {
	case code == 429:
		return RateLimited
	case code == 401:
		return Unauthorized
	case code == 403:
		return Forbidden
	case code >= 500:
		return Transient
	case code >= 400:
		return Permanent
	default:
		return Unknown
	}
}

// networkKind separates failures that provably sent nothing (dial
// errors, DNS) from those where the request may have been accepted.
func networkKind(err error) Kind {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Transient
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return Transient
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return Transient
	}
	// Sends run on a context that shutdown does not cancel, so a
	// cancellation can only come from the pre-send check.
	if errors.Is(err, context.Canceled) {
		return Transient
	}
	return Unknown
}
