// Package notify предоставляет клиент внешнего сервиса уведомлений о подарках.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Client инкапсулирует HTTP-взаимодействие с сервисом уведомлений.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

// GiftNotification описывает уведомление получателю об отправленном подарке.
type GiftNotification struct {
	TransactionID string `json:"transaction_id"`
	ReceiverEmail string `json:"receiver_email"`
	GiftName      string `json:"gift_name"`
	SenderName    string `json:"sender_name"`
	Message       string `json:"message,omitempty"`
	ClaimCode     string `json:"claim_code"`
}

// NewClient создаёт HTTP-клиент для отправки уведомлений по указанному адресу.
// Доставка уведомления некритична к задержке, поэтому клиент ретраит сетевые
// ошибки и ответы 5xx самостоятельно.
func NewClient(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.HTTPClient.Timeout = 10 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: rc,
	}
}

// SendGiftNotification отправляет уведомление о подарке и возвращает HTTP-статус ответа.
func (c *Client) SendGiftNotification(ctx context.Context, n GiftNotification) (int, error) {
	if c == nil || c.baseURL == "" {
		return 0, fmt.Errorf("notify client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	body, err := json.Marshal(n)
	if err != nil {
		return 0, fmt.Errorf("marshal notification: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, base+"/api/notifications", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return resp.StatusCode, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return resp.StatusCode, nil
}
