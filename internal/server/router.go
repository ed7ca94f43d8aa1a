package server

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// RouteRegistrar 在 404 兜底之前挂载一组路由。
type RouteRegistrar func(app *fiber.App)

// AppOptions 控制 Fiber 应用的中间件与路由。
type AppOptions struct {
	Logger *logrus.Logger
	// BodyLimit 为请求体上限（字节），<= 0 时使用 Fiber 默认值。
	BodyLimit int
	Routes    []RouteRegistrar
}

const (
	contextKeyRequestID = "_teleblob_request_id"
	contextKeyCacheHit  = "_teleblob_cache_hit"
)

// NewApp 构建带恢复、CORS、请求 ID 与访问日志中间件的 Fiber 应用。
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}

	cfg := fiber.Config{
		CaseSensitive: true,
		ErrorHandler:  errorHandler(opts.Logger),
	}
	if opts.BodyLimit > 0 {
		cfg.BodyLimit = opts.BodyLimit
	}
	app := fiber.New(cfg)

	// 访问日志在最外层，panic 由内层 recover 转成 error 后仍能被记录。
	app.Use(requestContextMiddleware(opts.Logger))
	app.Use(recover.New())
	app.Use(cors.New())

	for _, register := range opts.Routes {
		if register != nil {
			register(app)
		}
	}

	app.Use(func(c fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"error":   "Endpoint not found",
		})
	})

	return app, nil
}

// requestContextMiddleware 生成请求 ID，并在请求结束后输出一行访问日志。
func requestContextMiddleware(logger *logrus.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		started := time.Now()
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		err := c.Next()

		status := c.Response().StatusCode()
		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			status = fiberErr.Code
		} else if err != nil {
			status = fiber.StatusInternalServerError
		}

		fields := logrus.Fields{
			"action":     "http_request",
			"request_id": reqID,
			"method":     c.Method(),
			"path":       c.Path(),
			"status":     status,
			"elapsed_ms": time.Since(started).Milliseconds(),
		}
		if hit, ok := cacheHitFromContext(c); ok {
			fields["cache_hit"] = hit
		}
		entry := logger.WithFields(fields)
		if err != nil {
			entry = entry.WithError(err)
		}
		switch {
		case status >= fiber.StatusInternalServerError:
			entry.Error("request failed")
		case status >= fiber.StatusBadRequest:
			entry.Warn("request rejected")
		default:
			entry.Info("request completed")
		}
		return err
	}
}

// errorHandler 把未处理的错误渲染为统一 JSON 结构。
func errorHandler(logger *logrus.Logger) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		message := "Internal server error"
		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			code = fiberErr.Code
			message = fiberErr.Message
		}
		if code >= fiber.StatusInternalServerError {
			logger.WithFields(logrus.Fields{
				"action":     "http_error",
				"request_id": RequestID(c),
			}).WithError(err).Error("unhandled error")
		}
		return c.Status(code).JSON(fiber.Map{
			"success": false,
			"error":   message,
			"message": err.Error(),
		})
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

// SetCacheHit 记录本次请求是否命中缓存，访问日志会带上该字段。
func SetCacheHit(c fiber.Ctx, hit bool) {
	c.Locals(contextKeyCacheHit, hit)
}

func cacheHitFromContext(c fiber.Ctx) (bool, bool) {
	if value := c.Locals(contextKeyCacheHit); value != nil {
		hit, ok := value.(bool)
		return hit, ok
	}
	return false, false
}
