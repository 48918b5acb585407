package quentin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

const providerStatusUp = "up"

// ProviderStatus is the OCR provider's reported status
type ProviderStatus struct {
	API       string    `json:"api"`
	Frontend  string    `json:"frontend"`
	CheckedAt time.Time `json:"checked_at"`
}

// Down returns true if both the API and front-end are reported down
func (s ProviderStatus) Down() bool {
	return !strings.EqualFold(s.API, providerStatusUp) &&
		!strings.EqualFold(s.Frontend, providerStatusUp)
}

// Notifier sends an operator-facing message, ex: to a discord channel
type Notifier func(ctx context.Context, message string)

// OutageWatcher tracks whether the OCR provider is down. When a check
// finds the provider down, the watcher enters long-wait mode: it
// notifies once, and a single poller checks the status page until the
// provider recovers. Callers block in WaitForRecovery until then.
type OutageWatcher struct {
	statusURL    string
	client       *http.Client
	pollInterval time.Duration
	logger       *slog.Logger
	metrics      *Metrics
	notify       Notifier

	mu        sync.Mutex
	baseCtx   context.Context
	outage    bool
	recovered chan struct{}
	status    ProviderStatus
	wg        sync.WaitGroup
}

func NewOutageWatcher(
	config *OCRConfig,
	httpClient *http.Client,
	notify Notifier,
	metrics *Metrics,
) *OutageWatcher {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	pollInterval := config.OutagePollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultOCROutagePollInterval
	}
	return &OutageWatcher{
		statusURL:    config.StatusURL,
		client:       httpClient,
		pollInterval: pollInterval,
		logger:       newComponentLogger(config.LogLevel, "ocr_status"),
		metrics:      metrics,
		notify:       notify,
		baseCtx:      context.Background(),
	}
}

// Start sets the context the outage poller runs under. Cancelling it
// stops any running poller.
func (w *OutageWatcher) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.baseCtx = ctx
}

// Wait blocks until any running poller exits
func (w *OutageWatcher) Wait() {
	w.wg.Wait()
}

// Status returns the last known provider status, and whether the
// watcher is currently in long-wait mode
func (w *OutageWatcher) Status() (ProviderStatus, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status, w.outage
}

// Check returns true if the provider is down. If a poller is already
// running, no request is made.
func (w *OutageWatcher) Check(ctx context.Context) (bool, error) {
	w.mu.Lock()
	if w.outage {
		w.mu.Unlock()
		return true, nil
	}
	w.mu.Unlock()

	status, err := w.fetchStatus(ctx)
	if err != nil {
		return false, err
	}
	if !status.Down() {
		w.mu.Lock()
		w.status = status
		w.mu.Unlock()
		return false, nil
	}
	w.enterOutage(ctx, status)
	return true, nil
}

// WaitForRecovery blocks until the provider recovers or ctx is done.
// It returns immediately if the provider isn't down.
func (w *OutageWatcher) WaitForRecovery(ctx context.Context) error {
	w.mu.Lock()
	if !w.outage {
		w.mu.Unlock()
		return nil
	}
	recovered := w.recovered
	w.mu.Unlock()

	select {
	case <-recovered:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *OutageWatcher) enterOutage(ctx context.Context, status ProviderStatus) {
	w.mu.Lock()
	w.status = status
	if w.outage {
		w.mu.Unlock()
		return
	}
	w.outage = true
	recovered := make(chan struct{})
	w.recovered = recovered
	pollCtx := w.baseCtx
	w.wg.Add(1)
	w.mu.Unlock()

	w.logger.WarnContext(
		ctx,
		"ocr provider is down, entering long-wait mode",
		"api", status.API,
		"frontend", status.Frontend,
		"poll_interval", w.pollInterval,
	)
	w.metrics.setOCROutage(true)
	if w.notify != nil {
		w.notify(
			ctx,
			fmt.Sprintf(
				"OCR provider appears to be down (api: %s, frontend: %s). "+
					"Image submissions will be scored once it recovers.",
				status.API, status.Frontend,
			),
		)
	}

	go w.poll(pollCtx, recovered)
}

// poll checks the status page every pollInterval until the provider
// recovers, then closes recovered
func (w *OutageWatcher) poll(ctx context.Context, recovered chan struct{}) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.InfoContext(ctx, "outage poller stopped", tint.Err(ctx.Err()))
			return
		case <-ticker.C:
			status, err := w.fetchStatus(ctx)
			if err != nil {
				w.logger.WarnContext(ctx, "error checking ocr status", tint.Err(err))
				continue
			}
			if status.Down() {
				w.logger.DebugContext(ctx, "ocr provider still down", "status", status)
				w.mu.Lock()
				w.status = status
				w.mu.Unlock()
				continue
			}

			w.mu.Lock()
			w.status = status
			w.outage = false
			close(recovered)
			w.mu.Unlock()

			w.logger.InfoContext(ctx, "ocr provider recovered")
			w.metrics.setOCROutage(false)
			if w.notify != nil {
				w.notify(ctx, "OCR provider has recovered. Resuming image scoring.")
			}
			return
		}
	}
}

func (w *OutageWatcher) fetchStatus(ctx context.Context) (ProviderStatus, error) {
	var status ProviderStatus
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.statusURL, nil)
	if err != nil {
		return status, err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return status, fmt.Errorf("error fetching ocr status: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return status, fmt.Errorf("unexpected ocr status response: %d", resp.StatusCode)
	}
	if err = json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&status); err != nil {
		return status, fmt.Errorf("error decoding ocr status: %w", err)
	}
	status.CheckedAt = time.Now().UTC()
	return status, nil
}
