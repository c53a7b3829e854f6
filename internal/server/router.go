package server

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/memory-bank/internal/logging"
	"github.com/any-hub/memory-bank/internal/store"
)

// AppOptions controls which store and logger the Fiber application uses.
type AppOptions struct {
	Logger *logrus.Logger
	Store  store.Store
}

const contextKeyRequestID = "_memorybank_request_id"

// NewApp builds a Fiber application with request-id middleware, access
// logging and the file routes bound to opts.Store.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts.Logger))

	registerFileRoutes(app, &fileHandlers{store: opts.Store, logger: opts.Logger})

	return app, nil
}

// requestContextMiddleware 生成请求 ID 并在处理完成后输出访问日志。
func requestContextMiddleware(logger *logrus.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		err := c.Next()

		path := c.Path()
		entry := logger.WithFields(logging.RequestFields(c.Method(), path, c.Response().StatusCode(), reqID))
		if isDiagnosticsPath(path) {
			entry.Debug("request")
		} else {
			entry.Info("request")
		}
		return err
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

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
