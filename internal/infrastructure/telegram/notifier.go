package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"XueXinwen/internal/domain"
	"XueXinwen/internal/ports"
)

const defaultAPIBase = "https://api.telegram.org"

// Notifier reports failed processing runs to a Telegram chat via bot API.
type Notifier struct {
	botToken string
	chatID   string
	apiBase  string
	client   *http.Client
}

var _ ports.Notifier = (*Notifier)(nil)

// NewNotifier registers bot token and chat identifier.
func NewNotifier(botToken, chatID string) *Notifier {
	return &Notifier{
		botToken: botToken,
		chatID:   chatID,
		apiBase:  defaultAPIBase,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// WithAPIBase points the notifier at another bot API host.
func (n *Notifier) WithAPIBase(base string) *Notifier {
	n.apiBase = strings.TrimRight(base, "/")
	return n
}

// NotifyRunFailed posts a short failure report.
func (n *Notifier) NotifyRunFailed(ctx context.Context, run domain.RunRecord) error {
	return n.send(ctx, FormatRunFailure(run))
}

func (n *Notifier) send(ctx context.Context, text string) error {
	if n.botToken == "" || n.chatID == "" || n.client == nil {
		return fmt.Errorf("telegram notifier misconfigured")
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", n.apiBase, n.botToken)
	form := url.Values{}
	form.Set("chat_id", n.chatID)
	form.Set("text", text)
	form.Set("disable_web_page_preview", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telegram error: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	return nil
}

// FormatRunFailure renders the operator message for a failed run.
func FormatRunFailure(run domain.RunRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Processing failed for article %s\n", run.ArticleID)
	if run.URL != "" {
		fmt.Fprintf(&b, "%s\n", run.URL)
	}
	fmt.Fprintf(&b, "Run: %s\nStatus: %s\n", run.RunID, run.Status)
	if run.Succeeded+run.Recovered+run.Reused+run.Failed > 0 {
		fmt.Fprintf(&b, "Pairs: %d ok, %d recovered, %d reused, %d failed\n",
			run.Succeeded, run.Recovered, run.Reused, run.Failed)
	}
	if run.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", run.Error)
	}
	return strings.TrimRight(b.String(), "\n")
}
