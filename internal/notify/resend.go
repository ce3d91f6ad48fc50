package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrEmailNotConfigured = errors.New("email service not configured")
	ErrSendFailed         = errors.New("failed to send email")
)

const defaultResendURL = "https://api.resend.com"

// ResendClient sends transactional mail through the Resend HTTP API.
type ResendClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

func NewResendClient(apiKey string, timeout time.Duration) *ResendClient {
	return &ResendClient{
		apiKey:  apiKey,
		baseURL: defaultResendURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// WithBaseURL points the client at another endpoint, used against test servers.
func (c *ResendClient) WithBaseURL(baseURL string) *ResendClient {
	c.baseURL = baseURL
	return c
}

func (c *ResendClient) IsConfigured() bool {
	return c.apiKey != ""
}

type sendEmailRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

func (c *ResendClient) SendEmail(ctx context.Context, fromEmail, to, subject, htmlContent string) error {
	if !c.IsConfigured() || fromEmail == "" {
		return ErrEmailNotConfigured
	}

	jsonData, err := json.Marshal(sendEmailRequest{
		From:    fromEmail,
		To:      []string{to},
		Subject: subject,
		HTML:    htmlContent,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/emails", bytes.NewBuffer(jsonData))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("%w: status code %d", ErrSendFailed, resp.StatusCode)
	}
	return nil
}
