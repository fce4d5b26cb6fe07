package notifier

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/amirphl/simple-oms/internal/utils"
)

const telegramAPI = "https://api.telegram.org"

type TelegramNotifier struct {
	Token   string
	ChatID  string
	retries int
	delay   time.Duration
	client  *http.Client
	baseURL string
}

// NewTelegramNotifier creates a notifier posting to chatID. proxyURL is
// optional; an unparsable proxy is logged and ignored.
func NewTelegramNotifier(token, chatID, proxyURL string, retries int, delay time.Duration) *TelegramNotifier {
	if retries <= 0 {
		retries = 1
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err != nil {
			utils.GetLogger().Printf("Notifier | Invalid proxy URL %q, connecting directly: %v", proxyURL, err)
		} else {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	return &TelegramNotifier{
		Token:   token,
		ChatID:  chatID,
		retries: retries,
		delay:   delay,
		client:  &http.Client{Transport: transport, Timeout: 15 * time.Second},
		baseURL: telegramAPI,
	}
}

// WithBaseURL points the notifier at another Bot API endpoint.
func (t *TelegramNotifier) WithBaseURL(u string) *TelegramNotifier {
	t.baseURL = strings.TrimRight(u, "/")
	return t
}

// WithHTTPClient replaces the HTTP client.
func (t *TelegramNotifier) WithHTTPClient(c *http.Client) *TelegramNotifier {
	t.client = c
	return t
}

func (t *TelegramNotifier) Send(ctx context.Context, message string) error {
	apiURL := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.Token)
	form := url.Values{
		"chat_id": {t.ChatID},
		"text":    {message},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("telegram send failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram send failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telegram send failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return nil
}

// SendWithRetry sends message up to the configured number of attempts.
// It gives up as soon as ctx is done.
func (t *TelegramNotifier) SendWithRetry(ctx context.Context, message string) error {
	var err error
	for attempt := 1; attempt <= t.retries; attempt++ {
		if err = t.Send(ctx, message); err == nil {
			return nil
		}
		utils.GetLogger().Printf("Notifier | Send attempt %d/%d failed: %v", attempt, t.retries, err)
		if attempt < t.retries && !wait(ctx, t.delay) {
			return fmt.Errorf("telegram send abandoned after %d attempt(s): %w", attempt, ctx.Err())
		}
	}
	return fmt.Errorf("telegram send failed after %d attempts: %w", t.retries, err)
}

// RetryWithNotification runs action up to the configured number of
// attempts and reports the final failure to the chat.
func (t *TelegramNotifier) RetryWithNotification(ctx context.Context, action func() error, description string) error {
	var err error
	for attempt := 1; attempt <= t.retries; attempt++ {
		if err = action(); err == nil {
			return nil
		}
		utils.GetLogger().Printf("Notifier | %s failed (attempt %d/%d): %v", description, attempt, t.retries, err)
		if attempt < t.retries && !wait(ctx, t.delay) {
			return fmt.Errorf("%s: %w", description, err)
		}
	}
	msg := fmt.Sprintf("%s failed after %d attempts: %v", description, t.retries, err)
	if nerr := t.Send(ctx, msg); nerr != nil {
		utils.GetLogger().Printf("Notifier | Failed to report failure of %s: %v", description, nerr)
	}
	return fmt.Errorf("%s: %w", description, err)
}

func wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

var _ Notifier = (*TelegramNotifier)(nil)
