package servers

import (
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"sync"
	"time"

	"github.com/Deepreo/jobs/core"
	"github.com/Deepreo/jobs/errors"
	"github.com/Deepreo/jobs/modules/auth"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/etag"
	"github.com/gofiber/fiber/v2/middleware/healthcheck"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/gofiber/swagger"

	"go.elastic.co/apm/module/apmfiber/v2"
	"go.elastic.co/apm/v2"
)

const (
	DefaultReadTimeout      = 3 * time.Second
	DefaultWriteTimeout     = 3 * time.Second
	DefaultServerHeader     = "Fiber"
	DefaultBodyLimit        = 4 * 1024 * 1024 // 4 MB
	DefaultPort             = "8080"
	DefaultAllowedOrigins   = "*"
	DefaultShutdownTimeout  = 5 * time.Second
	DefaultSwaggerUIPath    = "/api/swagger/*"
	DefaultHost             = "localhost"
	DefaultReadinessTimeout = 2 * time.Second
)

// ReadinessCheck reports whether a dependency of the service can take traffic.
type ReadinessCheck func(ctx context.Context) error

type HttpServer struct {
	app    *fiber.App
	cfg    *HttpServerConfig
	logger *slog.Logger

	mu          sync.RWMutex
	middlewares []core.Middleware
	checks      map[string]ReadinessCheck
}

type HttpServerConfig struct {
	ReadTimeout    string `mapstructure:"read_timeout"`
	WriteTimeout   string `mapstructure:"write_timeout"`
	ServerHeader   string `mapstructure:"server_header"`
	BodyLimit      int    `mapstructure:"body_limit"`
	ErrorHandler   fiber.ErrorHandler
	Port           string   `mapstructure:"port"`
	Host           string   `mapstructure:"host"`
	AllowedOrigins string   `mapstructure:"allowed_origins"`
	Features       Features `mapstructure:"features"`
}

type Features struct {
	RequestID   RequestID   `mapstructure:"request_id"`
	Proxy       Proxy       `mapstructure:"proxy"`
	RateLimit   RateLimit   `mapstructure:"rate_limit"`
	HealthCheck HealthCheck `mapstructure:"health_check"`
	Etag        Etag        `mapstructure:"etag"`
	ElasticAPM  ElasticAPM  `mapstructure:"elastic_apm"`
	SwaggerUI   SwaggerUI   `mapstructure:"swagger_ui"`
}
type Etag struct {
	Enabled bool `mapstructure:"enabled"`
}

type ElasticAPM struct {
	Enabled bool `mapstructure:"enabled"`
}

type RequestID struct {
	Enabled bool `mapstructure:"enabled"`
}

type Proxy struct {
	Enabled        bool     `mapstructure:"enabled"`
	ProxyHeader    string   `mapstructure:"proxy_header"`
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

type RateLimit struct {
	Enabled    bool   `mapstructure:"enabled"`
	Max        int    `mapstructure:"max"`
	Expiration string `mapstructure:"expiration"`
}

type HealthCheck struct {
	Enabled bool `mapstructure:"enabled"`
}

type SwaggerUI struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	// Token is pre-authorized in the UI so operators can try the API directly.
	Token string `mapstructure:"token"`
}

func WithConfig(cfg *HttpServerConfig) func(*HttpServerConfig) {
	return func(s *HttpServerConfig) {
		if cfg.ReadTimeout != "" {
			s.ReadTimeout = cfg.ReadTimeout
		}
		if cfg.WriteTimeout != "" {
			s.WriteTimeout = cfg.WriteTimeout
		}
		if cfg.ServerHeader != "" {
			s.ServerHeader = cfg.ServerHeader
		}
		if cfg.BodyLimit != 0 {
			s.BodyLimit = cfg.BodyLimit
		}
		if cfg.ErrorHandler != nil {
			s.ErrorHandler = cfg.ErrorHandler
		}
		if cfg.Port != "" {
			s.Port = cfg.Port
		}
		if cfg.AllowedOrigins != "" {
			s.AllowedOrigins = cfg.AllowedOrigins
		}
		s.Features = cfg.Features
		if cfg.Host != "" {
			s.Host = cfg.Host
		}
	}
}

func NewHttpServer(logger *slog.Logger, options ...func(*HttpServerConfig)) (*HttpServer, error) {
	cfg := &HttpServerConfig{
		ReadTimeout:    DefaultReadTimeout.String(),
		WriteTimeout:   DefaultWriteTimeout.String(),
		ServerHeader:   DefaultServerHeader,
		BodyLimit:      DefaultBodyLimit,
		Port:           DefaultPort,
		AllowedOrigins: DefaultAllowedOrigins,
		Host:           DefaultHost,
	}
	for _, option := range options {
		option(cfg)
	}
	if logger == nil {
		logger = slog.Default()
	}
	fiberConfig, err := buildFiberConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid server configuration: %w", err)
	}
	fiberConfig.DisableStartupMessage = true

	server := &HttpServer{
		app:    fiber.New(fiberConfig),
		cfg:    cfg,
		logger: logger,
		checks: make(map[string]ReadinessCheck),
	}
	server.applyMiddlewares()
	return server, nil
}

func (s *HttpServer) applyMiddlewares() {
	s.app.Use(recover.New())
	s.app.Use(helmet.New())
	s.app.Use(cors.New(cors.Config{
		AllowOrigins:  s.cfg.AllowedOrigins,
		AllowMethods:  "GET,POST,PUT,PATCH,DELETE,OPTIONS",
		AllowHeaders:  "Accept, Authorization, Content-Type, X-CSRF-Token",
		ExposeHeaders: "Content-Length, X-Request-ID, Link",
		AllowCredentials: func() bool {
			return s.cfg.AllowedOrigins != "*"
		}(),
		MaxAge: 300, // 5 minutes
	}))
	if s.cfg.Features.RequestID.Enabled {
		s.app.Use(requestid.New())
	}
	if s.cfg.Features.RateLimit.Enabled {
		s.app.Use(limiter.New(limiter.Config{
			Max: s.cfg.Features.RateLimit.Max,
			Expiration: func() time.Duration {
				if s.cfg.Features.RateLimit.Expiration != "" {
					d, err := time.ParseDuration(s.cfg.Features.RateLimit.Expiration)
					if err != nil {
						s.logger.Warn("invalid rate limit expiration, using 1m", "value", s.cfg.Features.RateLimit.Expiration)
						return 60 * time.Second
					}
					return d
				}
				return 60 * time.Second // Default to 1 minute
			}(),
		}))
	}
	if s.cfg.Features.HealthCheck.Enabled {
		s.app.Use(healthcheck.New(healthcheck.Config{
			ReadinessProbe: func(c *fiber.Ctx) bool {
				return s.ready(c.UserContext()) == nil
			},
		}))
	}
	if s.cfg.Features.Etag.Enabled {
		s.app.Use(etag.New())
	}
	if s.cfg.Features.ElasticAPM.Enabled {
		s.app.Use(apmfiber.Middleware())
	}
	if s.cfg.Features.SwaggerUI.Enabled {
		path := s.cfg.Features.SwaggerUI.Path
		if path == "" {
			path = DefaultSwaggerUIPath
		}
		s.app.Get(path, swagger.New(
			swagger.Config{
				TryItOutEnabled: true,
				OnComplete: template.JS(`
				function() {
     				 window.ui.preauthorizeApiKey("BearerAuth", "` + template.JSEscapeString(s.cfg.Features.SwaggerUI.Token) + `");
   				 }`),
			},
		))
	}
}

func (s *HttpServer) GetApp() *fiber.App {
	return s.app
}

// AddReadinessCheck registers a probe consulted by /readyz when the health check feature is on.
func (s *HttpServer) AddReadinessCheck(name string, check ReadinessCheck) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = check
}

func (s *HttpServer) ready(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ctx, cancel := context.WithTimeout(ctx, DefaultReadinessTimeout)
	defer cancel()
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			s.logger.Warn("readiness check failed", "check", name, "error", err)
			return err
		}
	}
	return nil
}

func (s *HttpServer) Run() error {
	return s.app.Listen(func() string {
		if s.cfg.Features.Proxy.Enabled {
			return fmt.Sprintf(":%s", s.cfg.Port)
		}
		return fmt.Sprintf("%s:%s", s.cfg.Host, s.cfg.Port)
	}())
}

// Shutdown stops the listener, waiting for in-flight requests until ctx ends.
func (s *HttpServer) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

// Use adds middlewares wrapping every handler registered afterwards.
func (s *HttpServer) Use(middleware ...core.Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middlewares = append(s.middlewares, middleware...)
}

func (s *HttpServer) chain(handler core.HandlerFunc) core.HandlerFunc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.middlewares) - 1; i >= 0; i-- {
		handler = s.middlewares[i](handler)
	}
	return handler
}

func buildFiberConfig(cfg *HttpServerConfig) (fiber.Config, error) {
	var config fiber.Config
	if cfg.ReadTimeout != "" {
		readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
		if err != nil {
			return fiber.Config{}, fmt.Errorf("invalid read_timeout: %s", cfg.ReadTimeout)
		}
		config.ReadTimeout = readTimeout
	} else {
		config.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout != "" {
		writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
		if err != nil {
			return fiber.Config{}, fmt.Errorf("invalid write_timeout: %s", cfg.WriteTimeout)
		}
		config.WriteTimeout = writeTimeout
	} else {
		config.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.ServerHeader != "" {
		config.ServerHeader = cfg.ServerHeader
	} else {
		config.ServerHeader = DefaultServerHeader
	}
	if cfg.BodyLimit != 0 {
		config.BodyLimit = cfg.BodyLimit
	} else {
		config.BodyLimit = DefaultBodyLimit
	}
	if cfg.Features.Proxy.Enabled {
		if cfg.Features.Proxy.ProxyHeader != "" {
			config.ProxyHeader = cfg.Features.Proxy.ProxyHeader
		}
		if len(cfg.Features.Proxy.TrustedProxies) > 0 {
			config.EnableTrustedProxyCheck = true
			config.TrustedProxies = cfg.Features.Proxy.TrustedProxies
		}
	}
	if cfg.ErrorHandler != nil {
		config.ErrorHandler = cfg.ErrorHandler
	}
	return config, nil
}

func (s *HttpServer) Register(method, path string, handler core.HandlerFunc, reqFactory func() any) {
	final := s.chain(handler)
	genHandler := func(c *fiber.Ctx) error {
		req := reqFactory()

		if len(c.Body()) > 0 {
			if err := c.BodyParser(req); err != nil && !errors.Is(fiber.ErrUnprocessableEntity, err) {
				return s.writeError(c, errors.ValidationError(err).WithCode(errors.CodeInvalidJob))
			}
		}
		if err := c.ParamsParser(req); err != nil {
			return s.writeError(c, errors.ValidationError(err))
		}
		if err := c.QueryParser(req); err != nil {
			return s.writeError(c, errors.ValidationError(err))
		}
		if err := c.ReqHeaderParser(req); err != nil {
			return s.writeError(c, errors.ValidationError(err))
		}

		if validator, ok := req.(core.Request); ok {
			if err := validator.Validate(); err != nil {
				return s.writeError(c, errors.ValidationError(err))
			}
		}

		ctx := auth.WithToken(c.UserContext(), c.Get(fiber.HeaderAuthorization))
		res, err := final(ctx, req)
		if err != nil {
			return s.writeError(c, err)
		}
		return c.JSON(core.OK(res))
	}

	s.app.Add(method, path, genHandler)
}

// writeError maps the error level to a status code. Internal failures only expose a trace id.
func (s *HttpServer) writeError(c *fiber.Ctx, err error) error {
	resp := core.Fail(nil)

	var traceID string
	if tx := apm.TransactionFromContext(c.UserContext()); tx != nil {
		traceID = tx.TraceContext().Trace.String()
	}

	var extendErr *errors.ExtendError
	if !errors.As(err, &extendErr) {
		if errors.Is(fiber.ErrNotFound, err) {
			resp.Error = &core.APIError{Message: "Resource not found"}
			return c.Status(fiber.StatusNotFound).JSON(resp)
		}
		extendErr = errors.UnknownError(err)
	}

	resp.Error = &core.APIError{
		Code:    extendErr.Code,
		Details: extendErr.Metadata,
	}
	internal := func(status int, message, detail string) error {
		s.logger.Error("request failed",
			"method", c.Method(), "path", c.Path(), "status", status, "trace_id", traceID, "error", err)
		resp.Error.Message = message
		if resp.Error.Details == nil {
			resp.Error.Details = detail + " please control logs with trace ID: " + traceID
		}
		resp.Error.TraceID = traceID
		return c.Status(status).JSON(resp)
	}

	switch {
	case errors.IsValidationError(extendErr), errors.IsDomainError(extendErr):
		resp.Error.Message = extendErr.Err.Error()
		return c.Status(fiber.StatusBadRequest).JSON(resp)
	case errors.IsNotFoundError(extendErr):
		resp.Error.Message = extendErr.Err.Error()
		return c.Status(fiber.StatusNotFound).JSON(resp)
	case errors.IsAuthError(extendErr):
		resp.Error.Message = extendErr.Err.Error()
		return c.Status(fiber.StatusUnauthorized).JSON(resp)
	case errors.IsPermissionError(extendErr):
		resp.Error.Message = extendErr.Err.Error()
		return c.Status(fiber.StatusForbidden).JSON(resp)
	case errors.IsInfraError(extendErr):
		return internal(fiber.StatusBadGateway, "Internal Server Error", "Internal server error")
	case errors.IsAppError(extendErr):
		return internal(fiber.StatusServiceUnavailable, "Service Unavailable", "Internal application error")
	default:
		return internal(fiber.StatusInternalServerError, "Internal Server Error", "Unknown error")
	}
}
