package executor

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/Deepreo/jobs/errors"
	"github.com/Deepreo/jobs/job"
	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
	"golang.org/x/time/rate"
)

const (
	HeaderRemainingRepeats = "X-Job-Remaining-Repeats"
	HeaderJobID            = "X-Job-Id"
	HeaderCorrelationID    = "X-Job-Correlation-Id"
	QueryRemainingRepeats  = "limit"

	CodeTimeout        = "TIMEOUT"
	CodeTransportError = "TRANSPORT_ERROR"
	CodeRateLimited    = "RATE_LIMITED"

	maxMessageBytes = 512
)

type HTTPConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	RateLimit float64       `mapstructure:"rate_limit"`
	Burst     int           `mapstructure:"burst"`
	UserAgent string        `mapstructure:"user_agent"`
}

// HTTPExecutor delivers jobs as HTTP requests through fiber's fasthttp client.
type HTTPExecutor struct {
	cfg     HTTPConfig
	limiter *rate.Limiter
	logger  *slog.Logger
}

func NewHTTPExecutor(cfg HTTPConfig, logger *slog.Logger) *HTTPExecutor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "jobs-service"
	}
	if logger == nil {
		logger = slog.Default()
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return &HTTPExecutor{cfg: cfg, limiter: limiter, logger: logger}
}

func (e *HTTPExecutor) Accepts(kind job.RecipientKind) bool {
	return kind == job.RecipientHTTP
}

func (e *HTTPExecutor) Execute(ctx context.Context, req job.ExecutionRequest) (job.ExecutionResponse, error) {
	recipient, ok := req.Record.Recipient.(job.HTTPRecipient)
	if !ok {
		return job.ExecutionResponse{}, errors.AppError(fmt.Errorf("http executor cannot deliver %T", req.Record.Recipient)).
			WithCode(errors.CodeUnsupportedRecipient)
	}
	target, err := requestURL(recipient, req.RemainingRepeats)
	if err != nil {
		return job.ExecutionResponse{}, errors.ValidationError(err).WithCode(errors.CodeInvalidJob)
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return failed(CodeRateLimited, err.Error()), nil
	}

	timeout := e.cfg.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}
	if timeout <= 0 {
		return failed(CodeTimeout, context.DeadlineExceeded.Error()), nil
	}

	a := fiber.AcquireAgent()
	r := a.Request()
	r.Header.SetMethod(recipient.MethodOrDefault())
	r.SetRequestURI(target)
	a.UserAgent(e.cfg.UserAgent)
	a.Timeout(timeout)
	if err := a.Parse(); err != nil {
		fiber.ReleaseAgent(a)
		return failed(CodeTransportError, err.Error()), nil
	}
	if len(recipient.Payload) > 0 {
		a.ContentType(fiber.MIMEApplicationJSON)
		a.Body(recipient.Payload)
	}
	for k, v := range recipient.Headers {
		a.Set(k, v)
	}
	a.Set(HeaderJobID, req.Record.ID)
	a.Set(HeaderCorrelationID, req.Record.CorrelationID)
	if req.RemainingRepeats >= 0 {
		a.Set(HeaderRemainingRepeats, strconv.Itoa(req.RemainingRepeats))
	}

	// Bytes releases the agent.
	code, body, errs := a.Bytes()
	if len(errs) > 0 {
		err := stderrors.Join(errs...)
		e.logger.Warn("http recipient unreachable", "job_id", req.Record.ID, "url", recipient.URL, "error", err)
		if stderrors.Is(err, fasthttp.ErrTimeout) {
			return failed(CodeTimeout, err.Error()), nil
		}
		return failed(CodeTransportError, err.Error()), nil
	}

	return job.ExecutionResponse{
		Code:    strconv.Itoa(code),
		Message: truncate(string(body), maxMessageBytes),
		Success: code >= 200 && code < 300,
	}, nil
}

// requestURL merges the recipient's query parameters and the remaining-repeat countdown
// into its URL.
func requestURL(recipient job.HTTPRecipient, remaining int) (string, error) {
	u, err := url.Parse(recipient.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, v := range recipient.QueryParams {
		q.Set(k, v)
	}
	if remaining >= 0 {
		q.Set(QueryRemainingRepeats, strconv.Itoa(remaining))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
