package routes

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/teleblob/internal/logging"
	"github.com/any-hub/teleblob/internal/metadata"
	"github.com/any-hub/teleblob/internal/retrieval"
	"github.com/any-hub/teleblob/internal/server"
)

const defaultListLimit = 100

// allowedUploadTypes 仅接受图片与视频。
var allowedUploadTypes = map[string]struct{}{
	"image/jpeg":      {},
	"image/png":       {},
	"image/gif":       {},
	"image/webp":      {},
	"video/mp4":       {},
	"video/mpeg":      {},
	"video/quicktime": {},
}

// MetadataRepository 是媒体元数据的持久化接口，metadata.Store 为默认实现。
type MetadataRepository interface {
	Save(ctx context.Context, in metadata.NewRecord) (metadata.Record, error)
	Lookup(ctx context.Context, id string) (metadata.Record, bool, error)
	List(ctx context.Context, limit int) ([]metadata.Record, error)
}

// RemoteStore 是远端字节存储，telegram.Client 为默认实现。
type RemoteStore interface {
	Upload(ctx context.Context, payload []byte, filename, mimeType string) (string, error)
	Download(ctx context.Context, remoteRef string) ([]byte, error)
}

// MediaOptions 汇总 MediaHandler 的依赖。
type MediaOptions struct {
	Repository    MetadataRepository
	Remote        RemoteStore
	Resolver      *retrieval.Resolver
	Logger        *logrus.Logger
	MaxUploadSize int64
}

// MediaHandler 实现 /api 下的上传、列表、详情与取回接口。
type MediaHandler struct {
	repo      MetadataRepository
	remote    RemoteStore
	resolver  *retrieval.Resolver
	logger    *logrus.Logger
	maxUpload int64
}

// NewMediaHandler 校验依赖并构造处理器。
func NewMediaHandler(opts MediaOptions) (*MediaHandler, error) {
	if opts.Repository == nil {
		return nil, errors.New("metadata repository is required")
	}
	if opts.Remote == nil {
		return nil, errors.New("remote store is required")
	}
	if opts.Resolver == nil {
		return nil, errors.New("resolver is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &MediaHandler{
		repo:      opts.Repository,
		remote:    opts.Remote,
		resolver:  opts.Resolver,
		logger:    logger,
		maxUpload: opts.MaxUploadSize,
	}, nil
}

// Register 挂载 /api 路由，签名与 server.RouteRegistrar 一致。
func (h *MediaHandler) Register(app *fiber.App) {
	api := app.Group("/api")
	api.Post("/upload", h.upload)
	api.Get("/media", h.list)
	api.Get("/media/:id/info", h.info)
	api.Get("/media/:id", h.fetch)
}

func (h *MediaHandler) upload(c fiber.Ctx) error {
	header, err := c.FormFile("file")
	if err != nil {
		return renderFailure(c, fiber.StatusBadRequest, "No file uploaded", nil)
	}

	mimeType := strings.ToLower(strings.TrimSpace(header.Header.Get(fiber.HeaderContentType)))
	if _, ok := allowedUploadTypes[mimeType]; !ok {
		return renderFailure(c, fiber.StatusBadRequest, "Invalid file type. Only images and videos are allowed.", nil)
	}
	if h.maxUpload > 0 && header.Size > h.maxUpload {
		return renderFailure(c, fiber.StatusRequestEntityTooLarge,
			fmt.Sprintf("File too large. Maximum size is %d bytes.", h.maxUpload), nil)
	}

	file, err := header.Open()
	if err != nil {
		return renderFailure(c, fiber.StatusInternalServerError, "Failed to upload file", err)
	}
	defer file.Close()
	payload, err := io.ReadAll(file)
	if err != nil {
		return renderFailure(c, fiber.StatusInternalServerError, "Failed to upload file", err)
	}

	ctx := c.Context()
	remoteRef, err := h.remote.Upload(ctx, payload, header.Filename, mimeType)
	if err != nil {
		h.logFailure(c, "media_upload", "", err)
		return renderFailure(c, fiber.StatusInternalServerError, "Failed to upload file", err)
	}

	record, err := h.repo.Save(ctx, metadata.NewRecord{
		RemoteRef:    remoteRef,
		ContentType:  mimeType,
		OriginalName: header.Filename,
		Size:         int64(len(payload)),
	})
	if err != nil {
		h.logFailure(c, "media_upload", "", err)
		return renderFailure(c, fiber.StatusInternalServerError, "Failed to upload file", err)
	}

	h.logger.WithFields(logrus.Fields{
		"action":     "media_upload",
		"request_id": server.RequestID(c),
		"media_id":   record.ID,
		"file_type":  record.ContentType,
		"size_bytes": record.Size,
	}).Info("media uploaded")

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"media_id":      record.ID,
			"file_type":     record.ContentType,
			"size":          record.Size,
			"original_name": record.OriginalName,
		},
	})
}

func (h *MediaHandler) list(c fiber.Ctx) error {
	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil || limit <= 0 {
		limit = defaultListLimit
	}
	records, err := h.repo.List(c.Context(), limit)
	if err != nil {
		h.logFailure(c, "media_list", "", err)
		return renderFailure(c, fiber.StatusInternalServerError, "Failed to list media", err)
	}
	if records == nil {
		records = []metadata.Record{}
	}
	return c.JSON(fiber.Map{
		"success": true,
		"count":   len(records),
		"data":    records,
	})
}

func (h *MediaHandler) info(c fiber.Ctx) error {
	id := c.Params("id")
	record, ok, err := h.repo.Lookup(c.Context(), id)
	if err != nil {
		h.logFailure(c, "media_info", id, err)
		return renderFailure(c, fiber.StatusInternalServerError, "Failed to get media info", err)
	}
	if !ok {
		return renderFailure(c, fiber.StatusNotFound, "Media not found", nil)
	}
	return c.JSON(fiber.Map{
		"success": true,
		"data":    record,
	})
}

func (h *MediaHandler) fetch(c fiber.Ctx) error {
	id := c.Params("id")
	ctx := c.Context()

	record, ok, err := h.repo.Lookup(ctx, id)
	if err != nil {
		h.logFailure(c, "media_fetch", id, err)
		return renderFailure(c, fiber.StatusInternalServerError, "Failed to fetch file", err)
	}
	if !ok {
		return renderFailure(c, fiber.StatusNotFound, "Media not found", nil)
	}

	started := time.Now()
	result, err := h.resolver.Resolve(ctx, record.ID, func(ctx context.Context, _ string) ([]byte, error) {
		return h.remote.Download(ctx, record.RemoteRef)
	})
	if err != nil {
		h.logFailure(c, "media_fetch", id, err)
		return renderFailure(c, fiber.StatusInternalServerError, "Failed to fetch file", err)
	}
	server.SetCacheHit(c, result.CacheHit)

	fields := logging.RequestFields(record.ID, h.resolver.Key(record.ID), result.CacheHit)
	fields["action"] = "media_fetch"
	fields["request_id"] = server.RequestID(c)
	fields["size_bytes"] = len(result.Payload)
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	h.logger.WithFields(fields).Debug("media served")

	c.Set(fiber.HeaderContentType, record.ContentType)
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf(`inline; filename="%s"`, sanitizeFilename(record.OriginalName)))
	return c.Send(result.Payload)
}

func (h *MediaHandler) logFailure(c fiber.Ctx, action, mediaID string, err error) {
	h.logger.WithFields(logrus.Fields{
		"action":     action,
		"request_id": server.RequestID(c),
		"media_id":   mediaID,
	}).WithError(err).Error("media request failed")
}

func renderFailure(c fiber.Ctx, status int, message string, err error) error {
	body := fiber.Map{
		"success": false,
		"error":   message,
	}
	if err != nil {
		body["message"] = err.Error()
	}
	return c.Status(status).JSON(body)
}

// sanitizeFilename 去掉会破坏 Content-Disposition 的引号与控制字符。
func sanitizeFilename(name string) string {
	return strings.Map(func(r rune) rune {
		if r == '"' || r == '\\' || r < 0x20 || r == 0x7f {
			return '_'
		}
		return r
	}, name)
}
