package quentin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// maxOCRResponseBytes caps the size of an OCR response body
const maxOCRResponseBytes = 4 << 20

// ProviderErrorKind classifies failures from the OCR provider
type ProviderErrorKind string

const (
	// ProviderErrorMalformed is a response that couldn't be used, and
	// won't improve on retry
	ProviderErrorMalformed ProviderErrorKind = "malformed"

	// ProviderErrorAuth is a rejected API key
	ProviderErrorAuth ProviderErrorKind = "auth"

	ProviderErrorRateLimited ProviderErrorKind = "rate_limited"

	// ProviderErrorTransient covers timeouts, connection failures and
	// 5xx responses
	ProviderErrorTransient ProviderErrorKind = "transient"
)

// ProviderError is returned for failed OCR requests. Transient and
// rate-limited errors match ErrTransientProvider, all others match
// ErrFatalProvider.
type ProviderError struct {
	Kind       ProviderErrorKind
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString("ocr provider error (")
	b.WriteString(string(e.Kind))
	b.WriteString(")")
	if e.StatusCode != 0 {
		_, _ = fmt.Fprintf(&b, " status=%d", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() []error {
	sentinel := ErrFatalProvider
	if e.Retryable() {
		sentinel = ErrTransientProvider
	}
	if e.Err == nil {
		return []error{sentinel}
	}
	return []error{sentinel, e.Err}
}

// Retryable returns true for transient and rate-limited errors
func (e *ProviderError) Retryable() bool {
	return e.Kind == ProviderErrorTransient || e.Kind == ProviderErrorRateLimited
}

// isRetryableProviderError returns true if the error is a retryable
// ProviderError. Outages and context errors are never retried.
func isRetryableProviderError(err error) bool {
	if err == nil ||
		errors.Is(err, ErrProviderOutage) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Retryable()
}

// sleepFunc blocks for d, or until the context is done
type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// retryWithBackoff calls fn up to attempts times, sleeping after each
// retryable failure. The delay starts at initial and doubles after each
// attempt. Non-retryable errors are returned immediately. If every
// attempt fails, the returned error wraps ErrMaxRetriesExceeded and the
// last error.
func retryWithBackoff[T any](
	ctx context.Context,
	attempts int,
	initial time.Duration,
	sleep sleepFunc,
	retryable func(error) bool,
	fn func(ctx context.Context) (T, error),
) (T, error) {
	var zero T
	if attempts < 1 {
		attempts = 1
	}
	delay := initial
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if !retryable(err) {
			return zero, err
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		if sleepErr := sleep(ctx, delay); sleepErr != nil {
			return zero, sleepErr
		}
		delay *= 2
	}
	return zero, fmt.Errorf(
		"%w after %d attempts: %w",
		ErrMaxRetriesExceeded,
		attempts,
		lastErr,
	)
}

// ocrSpaceResponse is the subset of the OCR.space response we use
type ocrSpaceResponse struct {
	ParsedResults []struct {
		ParsedText   string          `json:"ParsedText"`
		ErrorMessage flexibleMessage `json:"ErrorMessage"`
	} `json:"ParsedResults"`
	IsErroredOnProcessing bool            `json:"IsErroredOnProcessing"`
	ErrorMessage          flexibleMessage `json:"ErrorMessage"`
}

// flexibleMessage decodes a JSON string or array of strings
type flexibleMessage []string

func (m *flexibleMessage) UnmarshalJSON(data []byte) error {
	var many []string
	if err := json.Unmarshal(data, &many); err == nil {
		*m = many
		return nil
	}
	var one string
	if err := json.Unmarshal(data, &one); err != nil {
		// some error responses use numbers or objects here, which
		// aren't worth failing the whole response over
		*m = nil
		return nil
	}
	if one != "" {
		*m = []string{one}
	}
	return nil
}

func (m flexibleMessage) String() string {
	return strings.Join(m, "; ")
}

// OCRClient submits image URLs to an OCR.space-compatible endpoint.
// Requests are bounded by a semaphore, spaced by a rate limiter and
// retried with exponential backoff. During a provider outage, callers
// wait for the OutageWatcher to report recovery.
type OCRClient struct {
	config  *OCRConfig
	client  *http.Client
	logger  *slog.Logger
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	watcher *OutageWatcher
	metrics *Metrics
	sleep   sleepFunc
}

func NewOCRClient(
	config *OCRConfig,
	httpClient *http.Client,
	watcher *OutageWatcher,
	metrics *Metrics,
) *OCRClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	maxConcurrent := config.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	limit := rate.Inf
	if !config.AllowBurst && config.MinInterval > 0 {
		limit = rate.Every(config.MinInterval)
	}
	return &OCRClient{
		config:  config,
		client:  httpClient,
		logger:  newComponentLogger(config.LogLevel, "ocr"),
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		limiter: rate.NewLimiter(limit, 1),
		watcher: watcher,
		metrics: metrics,
		sleep:   sleepContext,
	}
}

// Recognize returns the text found in the image at imageURL.
//
// The returned error matches ErrFatalProvider for non-retryable
// failures, and ErrMaxRetriesExceeded if every attempt failed. If the
// provider is down, Recognize blocks until it recovers or ctx is done.
func (c *OCRClient) Recognize(ctx context.Context, apiKey string, imageURL string) (
	string,
	error,
) {
	if apiKey == "" {
		apiKey = c.config.APIKey
	}
	if apiKey == "" {
		return "", &ProviderError{Kind: ProviderErrorAuth, Message: "no API key configured"}
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer c.sem.Release(1)

	log := loggerFromContext(ctx, c.logger).With("image_url", imageURL)

	for {
		text, err := retryWithBackoff(
			ctx,
			c.config.MaxAttempts,
			c.config.InitialBackoff,
			c.sleep,
			isRetryableProviderError,
			func(ctx context.Context) (string, error) {
				if err := c.limiter.Wait(ctx); err != nil {
					return "", err
				}
				text, err := c.request(ctx, apiKey, imageURL)
				c.metrics.ocrRequest(err)
				if err == nil {
					return text, nil
				}
				log.WarnContext(ctx, "ocr request failed", tint.Err(err))
				if isRetryableProviderError(err) && c.watcher != nil {
					down, checkErr := c.watcher.Check(ctx)
					if checkErr != nil {
						log.WarnContext(ctx, "unable to check ocr status", tint.Err(checkErr))
					}
					if down {
						return "", fmt.Errorf("%w: %w", ErrProviderOutage, err)
					}
				}
				return "", err
			},
		)
		if err != nil && errors.Is(err, ErrProviderOutage) && c.watcher != nil {
			log.WarnContext(ctx, "ocr provider is down, waiting for recovery")
			if waitErr := c.watcher.WaitForRecovery(ctx); waitErr != nil {
				return "", waitErr
			}
			log.InfoContext(ctx, "ocr provider recovered, retrying")
			continue
		}
		return text, err
	}
}

// request makes a single OCR request, classifying any failure as a
// ProviderError
func (c *OCRClient) request(ctx context.Context, apiKey string, imageURL string) (
	string,
	error,
) {
	form := url.Values{
		"apikey":    {apiKey},
		"url":       {imageURL},
		"language":  {c.config.Language},
		"OCREngine": {strconv.Itoa(c.config.Engine)},
		"scale":     {"true"},
	}

	reqCtx := ctx
	if c.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(
		reqCtx,
		http.MethodPost,
		c.config.Endpoint,
		strings.NewReader(form.Encode()),
	)
	if err != nil {
		return "", &ProviderError{Kind: ProviderErrorMalformed, Message: "invalid request", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &ProviderError{Kind: ProviderErrorTransient, Message: "request failed", Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxOCRResponseBytes))
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &ProviderError{
			Kind:       ProviderErrorTransient,
			StatusCode: resp.StatusCode,
			Message:    "error reading response",
			Err:        err,
		}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return "", &ProviderError{
			Kind:       ProviderErrorAuth,
			StatusCode: resp.StatusCode,
			Message:    truncate(string(body), 200),
		}
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", &ProviderError{
			Kind:       ProviderErrorRateLimited,
			StatusCode: resp.StatusCode,
			Message:    truncate(string(body), 200),
		}
	case resp.StatusCode >= http.StatusInternalServerError:
		return "", &ProviderError{
			Kind:       ProviderErrorTransient,
			StatusCode: resp.StatusCode,
			Message:    truncate(string(body), 200),
		}
	case resp.StatusCode != http.StatusOK:
		return "", &ProviderError{
			Kind:       ProviderErrorMalformed,
			StatusCode: resp.StatusCode,
			Message:    truncate(string(body), 200),
		}
	}

	var parsed ocrSpaceResponse
	if err = json.Unmarshal(body, &parsed); err != nil {
		return "", &ProviderError{
			Kind:       ProviderErrorMalformed,
			StatusCode: resp.StatusCode,
			Message:    "invalid JSON response",
			Err:        err,
		}
	}

	if parsed.IsErroredOnProcessing {
		msg := parsed.ErrorMessage.String()
		lower := strings.ToLower(msg)
		kind := ProviderErrorMalformed
		switch {
		case strings.Contains(lower, "timed out"), strings.Contains(lower, "timeout"):
			kind = ProviderErrorTransient
		case strings.Contains(lower, "number of times"), strings.Contains(lower, "rate limit"):
			kind = ProviderErrorRateLimited
		}
		return "", &ProviderError{Kind: kind, StatusCode: resp.StatusCode, Message: msg}
	}

	if len(parsed.ParsedResults) == 0 {
		return "", &ProviderError{
			Kind:       ProviderErrorMalformed,
			StatusCode: resp.StatusCode,
			Message:    "no parsed results",
		}
	}

	texts := make([]string, 0, len(parsed.ParsedResults))
	for _, r := range parsed.ParsedResults {
		texts = append(texts, r.ParsedText)
	}
	return strings.Join(texts, "\n"), nil
}
