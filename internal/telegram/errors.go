package telegram

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrRemoteUnavailable 表示 Bot API 不可达、超时或返回 5xx。
	ErrRemoteUnavailable = errors.New("telegram unavailable")
	// ErrNotFound 表示 file_id 在远端不存在或已失效。
	ErrNotFound = errors.New("telegram file not found")
	// ErrRateLimited 表示触发 429 限流。
	ErrRateLimited = errors.New("telegram rate limited")
)

// RemoteError 记录一次远端调用失败的上下文，Err 为上面三个哨兵之一。
type RemoteError struct {
	Op          string
	StatusCode  int
	Description string
	RetryAfter  time.Duration
	Err         error
}

func (e *RemoteError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "telegram %s: %v", e.Op, e.Err)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Description != "" {
		fmt.Fprintf(&b, ": %s", e.Description)
	}
	return b.String()
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// retryable 仅对限流、5xx 与传输层故障重试，其余 4xx 直接返回。
func (e *RemoteError) retryable() bool {
	switch {
	case errors.Is(e.Err, ErrRateLimited):
		return true
	case errors.Is(e.Err, ErrRemoteUnavailable):
		return e.StatusCode == 0 || e.StatusCode >= http.StatusInternalServerError
	default:
		return false
	}
}

func classifyStatus(op string, status int, resp *apiResponse) *RemoteError {
	remoteErr := &RemoteError{Op: op, StatusCode: status}
	if resp != nil {
		remoteErr.Description = resp.Description
		if resp.Parameters != nil && resp.Parameters.RetryAfter > 0 {
			remoteErr.RetryAfter = time.Duration(resp.Parameters.RetryAfter) * time.Second
		}
	}

	desc := strings.ToLower(remoteErr.Description)
	switch {
	case status == http.StatusTooManyRequests:
		remoteErr.Err = ErrRateLimited
	case status == http.StatusNotFound:
		remoteErr.Err = ErrNotFound
	case status == http.StatusBadRequest && (strings.Contains(desc, "file_id") || strings.Contains(desc, "file not found")):
		remoteErr.Err = ErrNotFound
	default:
		remoteErr.Err = ErrRemoteUnavailable
	}
	return remoteErr
}
