package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/permitsync/internal/config"
	"github.com/sells-group/permitsync/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertRecordErrors AlertType = "record_errors"
	AlertNoActivity   AlertType = "no_activity"
	AlertRunFailed    AlertType = "run_failed"
	AlertFailureRate  AlertType = "failure_rate"
	AlertStaleSource  AlertType = "stale_source"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Source    string         `json:"source,omitempty"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter turns invocation summaries and health snapshots into alerts and
// sends them via webhook.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	now    func() time.Time
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
	}
}

// Evaluate checks one invocation summary. It alerts when records failed and
// when a source expected to have regular activity upserted nothing.
func (a *Alerter) Evaluate(sum *model.Summary) []Alert {
	if sum == nil {
		return nil
	}
	var alerts []Alert
	now := a.now().UTC()

	if len(sum.Errors) > 0 {
		byKind := make(map[string]int)
		for _, e := range sum.Errors {
			byKind[string(e.Kind)]++
		}
		alerts = append(alerts, Alert{
			Type:     AlertRecordErrors,
			Severity: "medium",
			Source:   sum.Source,
			Message: fmt.Sprintf("%s: %d record error(s) out of %d fetched (%s)",
				sum.Source, len(sum.Errors), sum.Fetched, formatKinds(byKind)),
			Details: map[string]any{
				"errors":   len(sum.Errors),
				"by_kind":  byKind,
				"fetched":  sum.Fetched,
				"upserted": sum.Upserted,
			},
			Timestamp: now,
		})
	}

	if sum.Upserted == 0 && slices.Contains(a.cfg.ExpectActivity, sum.Source) {
		alerts = append(alerts, Alert{
			Type:     AlertNoActivity,
			Severity: "high",
			Source:   sum.Source,
			Message: fmt.Sprintf("%s: no permits upserted since %s (%d fetched)",
				sum.Source, sum.Since.Format(time.RFC3339), sum.Fetched),
			Details: map[string]any{
				"fetched": sum.Fetched,
				"since":   sum.Since,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// EvaluateFailure builds the alert for an invocation that aborted.
func (a *Alerter) EvaluateFailure(source string, err error) Alert {
	return Alert{
		Type:      AlertRunFailed,
		Severity:  "high",
		Source:    source,
		Message:   fmt.Sprintf("%s: ingestion failed: %v", source, err),
		Timestamp: a.now().UTC(),
	}
}

// EvaluateSnapshot checks a health snapshot against the configured
// thresholds.
func (a *Alerter) EvaluateSnapshot(snap *Snapshot) []Alert {
	var alerts []Alert
	now := a.now().UTC()

	finished := snap.RunsComplete + snap.RunsFailed
	if finished >= 5 && a.cfg.FailureRateThreshold > 0 && snap.FailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Ingestion failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.FailRate*100, a.cfg.FailureRateThreshold*100,
				snap.RunsFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.FailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.RunsFailed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	for _, s := range snap.Stale {
		msg := fmt.Sprintf("%s: no successful batch in over %dh", s.Source, a.cfg.StaleAfterHours)
		if s.LastRun == nil {
			msg = fmt.Sprintf("%s: has never completed a batch", s.Source)
		}
		alerts = append(alerts, Alert{
			Type:      AlertStaleSource,
			Severity:  "medium",
			Source:    s.Source,
			Message:   msg,
			Details:   map[string]any{"last_run": s.LastRun},
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
				zap.String("source", alert.Source),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
			zap.String("source", alert.Source),
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

func formatKinds(byKind map[string]int) string {
	kinds := make([]string, 0, len(byKind))
	for k := range byKind {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	var b bytes.Buffer
	for i, k := range kinds {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s=%d", k, byKind[k])
	}
	return b.String()
}
