package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/grantmesh/grantmesh/pkg/config"
	"github.com/grantmesh/grantmesh/pkg/models"
)

// Bridge mirrors grant status changes to the external database service
// with fire-and-forget PATCH requests. A mirror failure is logged and
// never propagates back into the workflow; the in-memory store stays
// authoritative and the external record may lag.
//
// The mirror deliberately lags the local lifecycle in one more way: an
// approved grant is reported as under_review, because the platform only
// flips to approved once an administrator confirms the decision. The
// local store holds the full approved status in the meantime.
type Bridge struct {
	cfg    *config.BridgeConfig
	client *http.Client
	logger *slog.Logger

	// initialInterval seeds the backoff; tests shrink it.
	initialInterval time.Duration

	wg sync.WaitGroup
}

// NewBridge creates a bridge. Returns nil when no base URL is configured,
// which disables mirroring entirely.
func NewBridge(cfg *config.BridgeConfig) *Bridge {
	if cfg == nil || cfg.BaseURL == "" {
		return nil
	}
	return &Bridge{
		cfg:             cfg,
		client:          &http.Client{Timeout: cfg.RequestTimeout},
		logger:          slog.With("component", "bridge"),
		initialInterval: 500 * time.Millisecond,
	}
}

// MirrorStatus schedules an asynchronous status mirror for the grant.
func (b *Bridge) MirrorStatus(grantID int64, status models.GrantStatus) {
	external := externalStatus(status)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.mirror(grantID, external)
	}()
}

// externalStatus maps the local status onto what the platform API is
// told. Approval awaits admin confirmation on the platform side, so it
// is reported as under_review.
func externalStatus(status models.GrantStatus) models.GrantStatus {
	if status == models.GrantStatusApproved {
		return models.GrantStatusUnderReview
	}
	return status
}

// Wait blocks until all in-flight mirrors finish. Called on shutdown.
func (b *Bridge) Wait() {
	b.wg.Wait()
}

func (b *Bridge) mirror(grantID int64, status models.GrantStatus) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.initialInterval
	bo.MaxElapsedTime = b.cfg.MaxElapsed

	attempts := 0
	operation := func() error {
		attempts++
		return b.patch(grantID, status)
	}

	if err := backoff.Retry(operation, bo); err != nil {
		b.logger.Error("Grant status mirror failed, external record may lag",
			"grant_id", grantID, "status", status, "attempts", attempts, "error", err)
		return
	}
	b.logger.Debug("Grant status mirrored",
		"grant_id", grantID, "status", status, "attempts", attempts)
}

// patch performs one PATCH attempt. 4xx responses are permanent failures;
// network errors and 5xx responses are retried.
func (b *Bridge) patch(grantID int64, status models.GrantStatus) error {
	url := fmt.Sprintf("%s/api/v1/grants/%d?status_update=%s", b.cfg.BaseURL, grantID, status)

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, nil)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build mirror request: %w", err))
	}
	if b.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", b.cfg.APIKey)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("mirror request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return backoff.Permanent(fmt.Errorf("mirror rejected: %s", resp.Status))
	default:
		return fmt.Errorf("mirror failed: %s", resp.Status)
	}
}
