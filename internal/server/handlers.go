package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"embedstream/internal/cache"
	"embedstream/internal/core"
	"embedstream/internal/embed"
	"embedstream/internal/observability"
	"embedstream/internal/providers"
	"embedstream/internal/retry"
	"embedstream/internal/stream"
	"embedstream/internal/usage"
)

// Stream routes, also used as metric labels.
const (
	routeStream     = "/v1/stream"
	routeChatStream = "/v1/chat/stream"
	routeEmbeddings = "/v1/embeddings"
)

// forwardedHeaderPrefix marks request headers passed through to providers.
const forwardedHeaderPrefix = "X-Model-"

// HandlerConfig carries the dependencies of Handler. Only Registry is required.
type HandlerConfig struct {
	Registry       *providers.Registry
	Usage          usage.Recorder
	Metrics        *observability.Metrics
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         *slog.Logger
}

// Handler serves the embedding and streaming endpoints.
type Handler struct {
	cfg     HandlerConfig
	schemas schemas
	log     *slog.Logger
}

// NewHandler compiles the request schemas and returns a Handler.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if cfg.Usage == nil {
		cfg.Usage = usage.NoopLogger{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s, err := loadSchemas()
	if err != nil {
		return nil, err
	}
	return &Handler{cfg: cfg, schemas: s, log: cfg.Logger}, nil
}

// Health reports liveness.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":    "ok",
		"providers": h.cfg.Registry.Names(),
	})
}

type embeddingsRequest struct {
	Model      string          `json:"model"`
	Input      json.RawMessage `json:"input"`
	MaxRetries *int            `json:"max_retries"`
}

// inputs accepts either a single string or an array of strings.
func (r *embeddingsRequest) inputs() ([]string, error) {
	var one string
	if err := json.Unmarshal(r.Input, &one); err == nil {
		return []string{one}, nil
	}
	var many []string
	if err := json.Unmarshal(r.Input, &many); err != nil {
		return nil, err
	}
	return many, nil
}

type embeddingData struct {
	Object    string         `json:"object"`
	Index     int            `json:"index"`
	Embedding core.Embedding `json:"embedding"`
}

type embeddingsUsage struct {
	Tokens *float64 `json:"tokens"`
}

type embeddingsResponse struct {
	Object string          `json:"object"`
	Data   []embeddingData `json:"data"`
	Model  string          `json:"model"`
	Usage  embeddingsUsage `json:"usage"`
}

// Embeddings handles POST /v1/embeddings.
func (h *Handler) Embeddings(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return handleError(c, readError(err))
	}
	if err := h.schemas.validate(schemaEmbeddings, body); err != nil {
		return handleError(c, err)
	}
	var req embeddingsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return handleError(c, core.NewInvalidRequestError("invalid JSON body", err))
	}
	values, err := req.inputs()
	if err != nil {
		return handleError(c, core.NewInvalidRequestError("input must be a string or an array of strings", err))
	}

	entry, err := h.cfg.Registry.Lookup(req.Model)
	if err != nil {
		return handleError(c, err)
	}
	model := entry.Embedder

	maxRetries := h.cfg.MaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	retryOpts := []retry.Option{}
	if h.cfg.InitialBackoff > 0 {
		retryOpts = append(retryOpts, retry.WithInitialBackoff(h.cfg.InitialBackoff))
	}
	if h.cfg.MaxBackoff > 0 {
		retryOpts = append(retryOpts, retry.WithMaxBackoff(h.cfg.MaxBackoff))
	}
	opts := []embed.Option{
		embed.WithMaxRetries(maxRetries),
		embed.WithHeaders(forwardedHeaders(c.Request().Header)),
		embed.WithLogger(h.log),
	}
	if h.cfg.Metrics != nil {
		opts = append(opts, embed.WithObserver(h.cfg.Metrics.EmbedObserver(entry.Name)))
		retryOpts = append(retryOpts, retry.WithHooks(h.cfg.Metrics.RetryHooks(entry.Name)))
	}
	opts = append(opts, embed.WithRetryOptions(retryOpts...))

	ctx, stats := cache.WithStats(c.Request().Context())
	res, err := embed.EmbedMany(ctx, model, values, opts...)
	if err != nil {
		return handleError(c, err)
	}

	h.cfg.Usage.Record(usage.NewEntry(
		core.GetRequestID(ctx), model.ModelID(), entry.Type, routeEmbeddings,
		len(values), chunkCount(len(values), model.MaxEmbeddingsPerCall()),
		res.Usage, int(stats.Hits.Load()),
	))

	resp := embeddingsResponse{
		Object: "list",
		Data:   make([]embeddingData, len(res.Embeddings)),
		Model:  model.ModelID(),
	}
	for i, e := range res.Embeddings {
		resp.Data[i] = embeddingData{Object: "embedding", Index: i, Embedding: e}
	}
	if res.Usage.Known() {
		t := res.Usage.Tokens
		resp.Usage.Tokens = &t
	}
	return c.JSON(http.StatusOK, resp)
}

// Stream handles POST /v1/stream: an NDJSON (or SSE data:) body of upstream
// units is normalized and framed back to the client as it arrives.
func (h *Handler) Stream(c echo.Context) error {
	// The body is still being read after the response starts; HTTP/1 would
	// otherwise close it on the first flush.
	rc := http.NewResponseController(c.Response().Writer)
	if err := rc.EnableFullDuplex(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return handleError(c, core.NewStreamError("failed to enable full duplex", err))
	}
	src := stream.NewLineSource(c.Request().Body)
	return h.pipe(c, routeStream, src)
}

type chatStreamRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

// ChatStream handles POST /v1/chat/stream.
func (h *Handler) ChatStream(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return handleError(c, readError(err))
	}
	if err := h.schemas.validate(schemaChatStream, body); err != nil {
		return handleError(c, err)
	}
	var req chatStreamRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return handleError(c, core.NewInvalidRequestError("invalid JSON body", err))
	}

	streamer, err := h.cfg.Registry.Streamer(req.Model)
	if err != nil {
		return handleError(c, err)
	}
	src, err := streamer.StreamChat(c.Request().Context(), req.Prompt)
	if err != nil {
		return handleError(c, err)
	}
	return h.pipe(c, routeChatStream, src)
}

// pipe commits a 200 and writes framed records until src ends. Failures after
// that point travel in-band as error records.
func (h *Handler) pipe(c echo.Context, route string, src stream.Source) error {
	var cb *stream.Callbacks
	if h.cfg.Metrics != nil {
		cb = h.cfg.Metrics.StreamCallbacks(route, nil)
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/plain; charset=utf-8")
	res.Header().Set("X-Vercel-AI-Data-Stream", "v1")
	res.Header().Set("Cache-Control", "no-cache")
	res.WriteHeader(http.StatusOK)

	ctx := c.Request().Context()
	if err := stream.PipeTextStream(ctx, res, src, cb); err != nil {
		if core.IsCancelled(err) {
			h.log.Debug("stream cancelled by client", "route", route, "request_id", core.GetRequestID(ctx))
		} else {
			h.log.Warn("stream ended with error", "route", route, "request_id", core.GetRequestID(ctx), "error", err)
		}
	}
	return nil
}

func forwardedHeaders(h http.Header) map[string]string {
	var out map[string]string
	for name, vals := range h {
		if len(vals) == 0 || !strings.HasPrefix(name, forwardedHeaderPrefix) {
			continue
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[name] = vals[0]
	}
	return out
}

func chunkCount(n, maxPerCall int) int {
	if n == 0 {
		return 0
	}
	if maxPerCall <= 0 {
		return 1
	}
	return (n + maxPerCall - 1) / maxPerCall
}

func readError(err error) error {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return core.NewInvalidRequestErrorWithStatus(he.Code, "request body too large", err)
	}
	return core.NewInvalidRequestError("failed to read request body", err)
}

// handleError renders err as the JSON error envelope.
func handleError(c echo.Context, err error) error {
	var gatewayErr *core.GatewayError
	if errors.As(err, &gatewayErr) {
		return c.JSON(gatewayErr.HTTPStatusCode(), gatewayErr.ToJSON())
	}
	if core.IsCancelled(err) {
		return c.JSON(core.StatusClientClosedRequest, core.NewCancelledError(err).ToJSON())
	}
	return c.JSON(http.StatusInternalServerError, map[string]any{
		"error": map[string]any{
			"type":    "internal_error",
			"message": "an unexpected error occurred",
		},
	})
}
