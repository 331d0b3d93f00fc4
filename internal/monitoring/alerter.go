package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/momentumfirm/finhub/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertJobFailureRate       AlertType = "job_failure_rate"
	AlertReconciliationDefect AlertType = "reconciliation_defect"
	AlertJobsTimedOut         AlertType = "jobs_timed_out"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
//
// Reconciliation defects arrive as a cumulative process counter, so the
// alerter keeps a high-water mark and alerts only on growth.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client

	lastDefects atomic.Uint64
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	// Check export job failure rate.
	finished := snap.JobsCompleted + snap.JobsFailed
	if finished >= 5 && snap.JobFailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertJobFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Export job failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.JobFailRate*100, a.cfg.FailureRateThreshold*100,
				snap.JobsFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.JobFailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.JobsFailed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	// Check new reconciliation defects since the last evaluation.
	last := a.lastDefects.Load()
	if snap.ReconciliationDefects > last {
		a.lastDefects.Store(snap.ReconciliationDefects)
		alerts = append(alerts, Alert{
			Type:     AlertReconciliationDefect,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d new variance bridge reconciliation defect(s) observed",
				snap.ReconciliationDefects-last,
			),
			Details: map[string]any{
				"new_defects":   snap.ReconciliationDefects - last,
				"total_defects": snap.ReconciliationDefects,
			},
			Timestamp: now,
		})
	}

	// Check reaped jobs.
	if snap.JobsTimedOut > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertJobsTimedOut,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d export job(s) timed out and were reaped in last %dh",
				snap.JobsTimedOut, snap.LookbackHours,
			),
			Details: map[string]any{
				"timed_out":  snap.JobsTimedOut,
				"jobs_total": snap.JobsTotal,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
