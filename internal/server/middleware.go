package server

import (
	"compress/gzip"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"embedstream/internal/core"
)

// requestID takes X-Request-ID from the client or generates a uuid, echoes it
// back and stores it on the request context.
func requestID() echo.MiddlewareFunc {
	return middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator:    uuid.NewString,
		TargetHeader: core.RequestIDHeader,
		RequestIDHandler: func(c echo.Context, id string) {
			req := c.Request()
			c.SetRequest(req.WithContext(core.WithRequestID(req.Context(), id)))
		},
	})
}

// requestLogger writes one structured line per request.
func requestLogger(log *slog.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogError:     true,
		LogRequestID: true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("request_id", v.RequestID),
			}
			level := slog.LevelInfo
			if v.Error != nil {
				attrs = append(attrs, slog.String("error", v.Error.Error()))
				level = slog.LevelWarn
			}
			log.LogAttrs(c.Request().Context(), level, "request", attrs...)
			return nil
		},
	})
}

// decompress transparently decodes gzip and brotli request bodies.
func decompress() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			enc := strings.ToLower(strings.TrimSpace(req.Header.Get(echo.HeaderContentEncoding)))

			var body io.ReadCloser
			switch enc {
			case "", "identity":
				return next(c)
			case "gzip":
				zr, err := gzip.NewReader(req.Body)
				if err != nil {
					return handleError(c, core.NewInvalidRequestError("invalid gzip body", err))
				}
				body = &decodedBody{Reader: zr, closers: []io.Closer{zr, req.Body}}
			case "br":
				body = &decodedBody{Reader: brotli.NewReader(req.Body), closers: []io.Closer{req.Body}}
			default:
				return handleError(c, core.NewInvalidRequestErrorWithStatus(http.StatusUnsupportedMediaType,
					"unsupported content encoding: "+enc, nil))
			}

			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)
			req.ContentLength = -1
			req.Body = body
			return next(c)
		}
	}
}

type decodedBody struct {
	io.Reader
	closers []io.Closer
}

func (b *decodedBody) Close() error {
	var first error
	for _, c := range b.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
