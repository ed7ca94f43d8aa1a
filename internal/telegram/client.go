// Package telegram is the remote blob store client: media bytes are uploaded
// to a chat through the Bot API and later downloaded again by file_id.
// Transient failures (rate limiting, 5xx, transport errors) are retried with
// exponential backoff; everything else is returned as a classified
// RemoteError.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const maxBackoff = 30 * time.Second

// Options 描述 Bot API 访问参数与重试策略。
type Options struct {
	BaseURL        string
	Token          string
	ChatID         string
	MaxRetries     int
	InitialBackoff time.Duration
}

// Client 复用共享 http.Client，所有方法都可并发调用。
type Client struct {
	http   *http.Client
	opts   Options
	logger *logrus.Logger
}

// NewClient 构造 Bot API 客户端，httpClient 的 Timeout 即单次请求超时。
func NewClient(httpClient *http.Client, opts Options, logger *logrus.Logger) (*Client, error) {
	if httpClient == nil {
		return nil, errors.New("http client is required")
	}
	if opts.Token == "" {
		return nil, errors.New("bot token is required")
	}
	if opts.BaseURL == "" {
		return nil, errors.New("api base url is required")
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Client{http: httpClient, opts: opts, logger: logger}, nil
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

type fileRef struct {
	FileID   string `json:"file_id"`
	FilePath string `json:"file_path"`
	FileSize int64  `json:"file_size"`
}

type messageResult struct {
	Photo    []fileRef `json:"photo"`
	Video    *fileRef  `json:"video"`
	Document *fileRef  `json:"document"`
}

// uploadMethod 根据 MIME 选择 sendPhoto/sendVideo/sendDocument 及对应字段名。
func uploadMethod(mimeType string) (method, field string) {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return "sendPhoto", "photo"
	case strings.HasPrefix(mimeType, "video/"):
		return "sendVideo", "video"
	default:
		return "sendDocument", "document"
	}
}

// Upload 把字节发送到配置的 chat，返回远端 file_id。
func (c *Client) Upload(ctx context.Context, payload []byte, filename, mimeType string) (string, error) {
	method, field := uploadMethod(mimeType)
	return withRetry(ctx, c, method, func() (string, error) {
		body, contentType, err := buildUploadBody(c.opts.ChatID, field, filename, mimeType, payload)
		if err != nil {
			return "", err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(method), body)
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", contentType)

		raw, err := c.call(method, req)
		if err != nil {
			return "", err
		}
		var msg messageResult
		if err := json.Unmarshal(raw, &msg); err != nil {
			return "", fmt.Errorf("decode %s result: %w", method, err)
		}
		return extractFileID(method, msg)
	})
}

// Download 通过 getFile 解析 file_path 后下载完整字节。
func (c *Client) Download(ctx context.Context, fileID string) ([]byte, error) {
	if strings.TrimSpace(fileID) == "" {
		return nil, &RemoteError{Op: "getFile", Err: ErrNotFound, Description: "empty file_id"}
	}
	filePath, err := withRetry(ctx, c, "getFile", func() (string, error) {
		return c.resolveFilePath(ctx, fileID)
	})
	if err != nil {
		return nil, err
	}
	return withRetry(ctx, c, "download", func() ([]byte, error) {
		return c.fetchFile(ctx, filePath)
	})
}

func (c *Client) resolveFilePath(ctx context.Context, fileID string) (string, error) {
	endpoint := c.methodURL("getFile") + "?file_id=" + url.QueryEscape(fileID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	raw, err := c.call("getFile", req)
	if err != nil {
		return "", err
	}
	var ref fileRef
	if err := json.Unmarshal(raw, &ref); err != nil {
		return "", fmt.Errorf("decode getFile result: %w", err)
	}
	if ref.FilePath == "" {
		return "", &RemoteError{Op: "getFile", Err: ErrNotFound, Description: "file_path missing"}
	}
	return ref.FilePath, nil
}

func (c *Client) fetchFile(ctx context.Context, filePath string) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/file/bot%s/%s", c.opts.BaseURL, c.opts.Token, strings.TrimLeft(filePath, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(ctx, "download", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiResp apiResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&apiResp)
		return nil, classifyStatus("download", resp.StatusCode, &apiResp)
	}
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(ctx, "download", err)
	}
	return payload, nil
}

// call 执行 Bot API 方法并返回 result 字段。
func (c *Client) call(op string, req *http.Request) (json.RawMessage, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(req.Context(), op, err)
	}
	defer resp.Body.Close()

	var apiResp apiResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&apiResp)
	if resp.StatusCode != http.StatusOK || !apiResp.OK {
		status := resp.StatusCode
		if status == http.StatusOK && apiResp.ErrorCode != 0 {
			status = apiResp.ErrorCode
		}
		return nil, classifyStatus(op, status, &apiResp)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode %s response: %w", op, decodeErr)
	}
	return apiResp.Result, nil
}

func (c *Client) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", c.opts.BaseURL, c.opts.Token, method)
}

func buildUploadBody(chatID, field, filename, mimeType string, payload []byte) (io.Reader, string, error) {
	buf := &bytes.Buffer{}
	writer := multipart.NewWriter(buf)
	if err := writer.WriteField("chat_id", chatID); err != nil {
		return nil, "", err
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, field, escapeQuotes(filename)))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	header.Set("Content-Type", mimeType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(payload); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return buf, writer.FormDataContentType(), nil
}

func extractFileID(method string, msg messageResult) (string, error) {
	switch method {
	case "sendPhoto":
		// photo 数组按尺寸升序排列，取最大的一张。
		if len(msg.Photo) > 0 {
			return msg.Photo[len(msg.Photo)-1].FileID, nil
		}
	case "sendVideo":
		if msg.Video != nil {
			return msg.Video.FileID, nil
		}
	}
	// Bot API 会把不符合要求的图片/视频降级为 document。
	if msg.Document != nil && msg.Document.FileID != "" {
		return msg.Document.FileID, nil
	}
	return "", fmt.Errorf("%s result carries no file_id", method)
}

func transportError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return &RemoteError{Op: op, Err: ErrRemoteUnavailable, Description: err.Error()}
}

func escapeQuotes(s string) string {
	return strings.NewReplacer("\\", "\\\\", `"`, "\\\"").Replace(s)
}

// withRetry 对可重试的 RemoteError 做指数退避，429 时至少等待 retry_after。
func withRetry[T any](ctx context.Context, c *Client, op string, fn func() (T, error)) (T, error) {
	delay := c.opts.InitialBackoff
	for attempt := 0; ; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}

		var remoteErr *RemoteError
		if !errors.As(err, &remoteErr) || !remoteErr.retryable() || attempt >= c.opts.MaxRetries {
			return result, err
		}

		wait := delay
		if remoteErr.RetryAfter > wait {
			wait = remoteErr.RetryAfter
		}
		c.logger.WithFields(logrus.Fields{
			"action":  "telegram_retry",
			"op":      op,
			"attempt": attempt + 1,
			"status":  remoteErr.StatusCode,
			"wait_ms": wait.Milliseconds(),
		}).Warn(remoteErr.Error())

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			var zero T
			return zero, ctx.Err()
		case <-timer.C:
		}
		if next := delay * 2; next <= maxBackoff {
			delay = next
		}
	}
}
