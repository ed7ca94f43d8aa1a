package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"
)

func TestNewAppRequiresLogger(t *testing.T) {
	if _, err := NewApp(AppOptions{}); err == nil {
		t.Fatalf("expected error without logger")
	}
}

func TestRouterSetsRequestIDAndLogs(t *testing.T) {
	app, logs := newTestApp(t, func(app *fiber.App) {
		app.Get("/ping", func(c fiber.Ctx) error {
			SetCacheHit(c, true)
			if RequestID(c) == "" {
				return errors.New("request id missing in handler")
			}
			return c.SendString("pong")
		})
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/ping", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	reqID := resp.Header.Get("X-Request-ID")
	if reqID == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}

	entry := lastLogEntry(t, logs)
	if entry["action"] != "http_request" || entry["request_id"] != reqID {
		t.Fatalf("unexpected access log: %v", entry)
	}
	if entry["cache_hit"] != true {
		t.Fatalf("access log should carry cache_hit, got %v", entry)
	}
}

func TestRouterUnknownRouteReturnsJSON404(t *testing.T) {
	app, _ := newTestApp(t)

	resp, err := app.Test(httptest.NewRequest("GET", "/nope", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 status, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte(`"Endpoint not found"`)) || !bytes.Contains(body, []byte(`"success":false`)) {
		t.Fatalf("unexpected 404 body: %s", body)
	}
}

func TestRouterRecoversPanics(t *testing.T) {
	app, _ := newTestApp(t, func(app *fiber.App) {
		app.Get("/boom", func(c fiber.Ctx) error {
			panic("boom")
		})
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/boom", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusInternalServerError {
		t.Fatalf("expected 500 after panic, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte(`"Internal server error"`)) {
		t.Fatalf("unexpected panic body: %s", body)
	}
}

func TestRouterAllowsAnyOrigin(t *testing.T) {
	app, _ := newTestApp(t, func(app *fiber.App) {
		app.Get("/ping", func(c fiber.Ctx) error { return c.SendString("pong") })
	})

	req := httptest.NewRequest("GET", "/ping", nil)
	req.Header.Set("Origin", "https://example.com")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected wildcard CORS origin, got %q", got)
	}
}

func TestErrorHandlerRendersFiberError(t *testing.T) {
	app := fiber.New()
	defer app.Shutdown()

	ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
	defer app.ReleaseCtx(ctx)
	ctx.Locals(contextKeyRequestID, "req-413")

	logger := logrus.New()
	logBuf := &bytes.Buffer{}
	logger.SetOutput(logBuf)

	handler := errorHandler(logger)
	if err := handler(ctx, fiber.NewError(fiber.StatusRequestEntityTooLarge, "Request Entity Too Large")); err != nil {
		t.Fatalf("error handler returned unexpected error: %v", err)
	}
	if status := ctx.Response().StatusCode(); status != fiber.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", status)
	}
	if body := string(ctx.Response().Body()); !strings.Contains(body, "Request Entity Too Large") {
		t.Fatalf("unexpected body %s", body)
	}
	if logBuf.Len() != 0 {
		t.Fatalf("4xx errors should not be logged by the error handler, got %s", logBuf.String())
	}

	if err := handler(ctx, errors.New("disk on fire")); err != nil {
		t.Fatalf("error handler returned unexpected error: %v", err)
	}
	if status := ctx.Response().StatusCode(); status != fiber.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", status)
	}
	if !strings.Contains(logBuf.String(), "req-413") {
		t.Fatalf("5xx errors should be logged with request id, got %s", logBuf.String())
	}
}

func TestCacheHitLocals(t *testing.T) {
	app := fiber.New()
	defer app.Shutdown()

	ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
	defer app.ReleaseCtx(ctx)

	if _, ok := cacheHitFromContext(ctx); ok {
		t.Fatalf("cache hit should be unset on a fresh ctx")
	}
	SetCacheHit(ctx, false)
	if hit, ok := cacheHitFromContext(ctx); !ok || hit {
		t.Fatalf("expected explicit miss, got hit=%v ok=%v", hit, ok)
	}
	if RequestID(ctx) != "" {
		t.Fatalf("request id should be empty without middleware")
	}
}

func newTestApp(t *testing.T, registrars ...RouteRegistrar) (*fiber.App, *bytes.Buffer) {
	t.Helper()

	logs := &bytes.Buffer{}
	logger := logrus.New()
	logger.SetOutput(logs)
	logger.SetFormatter(&logrus.JSONFormatter{})

	app, err := NewApp(AppOptions{
		Logger: logger,
		Routes: registrars,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	return app, logs
}

func lastLogEntry(t *testing.T, logs *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(logs.String()), "\n")
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &entry); err != nil {
		t.Fatalf("invalid log line %q: %v", lines[len(lines)-1], err)
	}
	return entry
}
