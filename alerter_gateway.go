package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// GatewayAlerter posts notifications to an Apprise compatible HTTP gateway,
// which fans them out to the recipient target.
type GatewayAlerter struct {
	gatewayURL      string
	recipientTarget string
	hmacSecret      string
	customHeaders   map[string]string
	httpClient      *http.Client
}

func NewGatewayAlerter(config NotificationConfig) (*GatewayAlerter, error) {
	if !config.Enabled() {
		return nil, ErrAlerterNotConfigured
	}

	return &GatewayAlerter{
		gatewayURL:      config.GatewayURL,
		recipientTarget: config.RecipientTarget,
		hmacSecret:      config.HmacSecret,
		customHeaders:   config.Headers,
		httpClient:      &http.Client{Timeout: 5 * time.Second},
	}, nil
}

type gatewayRequestPayload struct {
	URLs   string `json:"urls"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	Type   string `json:"type"`
	Format string `json:"format"`
}

func (g *GatewayAlerter) Send(ctx context.Context, message NotificationMessage) error {
	requestBody, err := json.Marshal(gatewayRequestPayload{
		URLs:   g.recipientTarget,
		Title:  message.Title,
		Body:   message.Body,
		Type:   message.Severity,
		Format: "text",
	})
	if err != nil {
		return fmt.Errorf("marshaling gateway payload: %w", err)
	}

	var signature string
	if g.hmacSecret != "" {
		signer := hmac.New(sha256.New, []byte(g.hmacSecret))
		signer.Write(requestBody)
		signature = fmt.Sprintf("%x", signer.Sum(nil))
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, g.gatewayURL, bytes.NewReader(requestBody))
	if err != nil {
		return fmt.Errorf("creating gateway request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("User-Agent", "lookout-notifier/1.0")
	for key, value := range g.customHeaders {
		request.Header.Set(key, value)
	}
	if signature != "" {
		request.Header.Set("X-Signature", signature)
	}

	response, err := g.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("%w: sending gateway request: %w", ErrAlerterDropped, err)
	}
	defer func() {
		if response.Body != nil {
			_ = response.Body.Close()
		}
	}()

	if response.StatusCode == http.StatusTooManyRequests {
		return ErrAlerterRateLimited
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		responseText, _ := io.ReadAll(io.LimitReader(response.Body, 512))
		return fmt.Errorf("%w: received non-2xx response code %d: %s", ErrAlerterDropped, response.StatusCode, responseText)
	}

	return nil
}
