package notifier

import (
	"fmt"
	"net/http"
	"net/url"
	"time"
)

const telegramAPI = "https://api.telegram.org"

type TelegramNotifier struct {
	Token   string
	ChatID  string
	Retries int
	Delay   time.Duration

	apiURL string
	client *http.Client
}

var _ Notifier = (*TelegramNotifier)(nil)

// NewTelegramNotifier sends through the Telegram bot API, optionally via an
// HTTP proxy. retries is the number of attempts SendWithRetry makes.
func NewTelegramNotifier(token, chatID, proxyURL string, retries int, delay time.Duration) *TelegramNotifier {
	client := &http.Client{Timeout: 10 * time.Second}
	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil {
			client.Transport = &http.Transport{Proxy: http.ProxyURL(u)}
		}
	}
	if retries < 1 {
		retries = 1
	}
	return &TelegramNotifier{
		Token:   token,
		ChatID:  chatID,
		Retries: retries,
		Delay:   delay,
		apiURL:  telegramAPI,
		client:  client,
	}
}

func (t *TelegramNotifier) Send(message string) error {
	apiURL := fmt.Sprintf("%s/bot%s/sendMessage", t.apiURL, t.Token)
	resp, err := t.client.PostForm(apiURL, url.Values{
		"chat_id": {t.ChatID},
		"text":    {message},
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return fmt.Errorf("telegram send failed: %s", resp.Status)
	}
	return nil
}

func (t *TelegramNotifier) SendWithRetry(message string) error {
	return t.retry(func() error { return t.Send(message) })
}

// RetryWithNotification retries action and reports the final failure.
func (t *TelegramNotifier) RetryWithNotification(action func() error, description string) error {
	err := t.retry(action)
	if err != nil {
		if nerr := t.Send(fmt.Sprintf("%s failed after %d attempts: %v", description, t.Retries, err)); nerr != nil {
			return fmt.Errorf("%w (notification failed: %v)", err, nerr)
		}
	}
	return err
}

func (t *TelegramNotifier) retry(action func() error) error {
	var err error
	for attempt := 1; attempt <= t.Retries; attempt++ {
		if err = action(); err == nil {
			return nil
		}
		if attempt < t.Retries {
			time.Sleep(t.Delay)
		}
	}
	return err
}
