// Package slack posts high-priority triage summaries to Slack via incoming
// webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/edrtriage/internal/triage"
)

const (
	maxListed     = 5
	maxCmdlineLen = 200
	httpTimeout   = 10 * time.Second
)

// Notifier sends analysis summaries to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, Send is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// Name identifies the notifier in logs and metrics.
func (n *Notifier) Name() string { return "slack" }

// Send posts a summary of report when it contains at least one
// high-priority threat. Reports without one are skipped.
func (n *Notifier) Send(ctx context.Context, report *triage.Report) error {
	if n.webhookURL == "" || report == nil || report.PriorityBreakdown.High == 0 {
		return nil
	}

	body, err := json.Marshal(buildMessage(report))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}

	n.logger.Info(ctx, "slack notification sent",
		"analysis_id", report.AnalysisID,
		"high", report.PriorityBreakdown.High,
	)
	return nil
}

func buildMessage(r *triage.Report) map[string]any {
	blocks := []map[string]any{
		headerBlock(r),
		fieldsBlock(r),
		{"type": "divider"},
	}
	for _, res := range highResults(r.FilteredResults) {
		blocks = append(blocks, resultBlock(res))
	}
	if extra := r.PriorityBreakdown.High - int64(maxListed); extra > 0 {
		blocks = append(blocks, map[string]any{
			"type": "section",
			"text": map[string]any{
				"type": "mrkdwn",
				"text": fmt.Sprintf("_and %d more high-priority threats_", extra),
			},
		})
	}
	blocks = append(blocks, contextBlock(r))

	return map[string]any{
		"text":   fmt.Sprintf("%d high-priority EDR threats detected", r.PriorityBreakdown.High),
		"blocks": blocks,
	}
}

// highResults returns up to maxListed high-bucket results in rank order.
func highResults(results []triage.Result) []triage.Result {
	var out []triage.Result
	for _, res := range results {
		if res.FinalPriority != triage.BucketHigh {
			continue
		}
		out = append(out, res)
		if len(out) == maxListed {
			break
		}
	}
	return out
}

func headerBlock(r *triage.Report) map[string]any {
	text := fmt.Sprintf("\U0001f534 %d high-priority threats in %d alerts", r.PriorityBreakdown.High, r.TotalProcessed)
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(r *triage.Report) map[string]any {
	b := r.PriorityBreakdown
	fields := []map[string]any{
		{"type": "mrkdwn", "text": fmt.Sprintf("*Threats:* %d", r.ThreatsDetected)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*High / Medium / Low:* %d / %d / %d", b.High, b.Medium, b.Low)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Processing time:* %s", r.ProcessingTime)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Models:* %s", r.ModelVersion)},
	}
	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func resultBlock(res triage.Result) map[string]any {
	var sb strings.Builder
	fmt.Fprintf(&sb, "*%s* (%s) `%s` on *%s*\n", res.Username, res.Group, res.ProcessName, res.Hostname)
	fmt.Fprintf(&sb, "score %.2f = base %.2f x %.1f, confidence %.2f", res.PriorityScore, res.BasePriority, res.GroupMultiplier, res.Confidence)
	if res.Cmdline != "" {
		fmt.Fprintf(&sb, "\n```%s```", truncate(res.Cmdline, maxCmdlineLen))
	}
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": sb.String(),
		},
	}
}

func contextBlock(r *triage.Report) map[string]any {
	ts := r.CreatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{
				"type": "mrkdwn",
				"text": fmt.Sprintf("edrtriage • analysis %s • %s", r.AnalysisID, ts.UTC().Format("2006-01-02 15:04 UTC")),
			},
		},
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
