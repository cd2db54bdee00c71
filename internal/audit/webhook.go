package audit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// EventEvaluated is sent in the X-Policy-Event header.
	EventEvaluated = "evaluation.completed"

	// maxResponseBodySize limits how much of the response body is logged (1KB)
	maxResponseBodySize = 1024
)

// ComputeHMAC generates an HMAC signature for the given payload using the secret
func ComputeHMAC(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature verifies that the provided signature matches the computed HMAC
func VerifySignature(payload []byte, signature string, secret string) bool {
	expected := ComputeHMAC(payload, secret)
	return hmac.Equal([]byte(signature), []byte(expected))
}

// GenerateSecret returns a random signing secret with the "whsec_" prefix.
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random secret: %w", err)
	}
	return "whsec_" + base64.URLEncoding.EncodeToString(b), nil
}

// WebhookOptions configure a WebhookSink.
type WebhookOptions struct {
	MaxRetries int
	Timeout    time.Duration
	// Backoff returns the wait before retry n (0-based). Defaults to 2^n seconds.
	Backoff func(attempt int) time.Duration
	Client  *http.Client
}

// WebhookSink POSTs each entry as JSON to a URL, signed with HMAC-SHA256.
type WebhookSink struct {
	url     string
	secret  string
	client  *http.Client
	retries int
	timeout time.Duration
	backoff func(int) time.Duration
	logger  *zap.Logger
}

func NewWebhookSink(url, secret string, logger *zap.Logger, opts WebhookOptions) *WebhookSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Backoff == nil {
		opts.Backoff = func(attempt int) time.Duration {
			return time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	return &WebhookSink{
		url:     url,
		secret:  secret,
		client:  opts.Client,
		retries: opts.MaxRetries,
		timeout: opts.Timeout,
		backoff: opts.Backoff,
		logger:  logger.Named("webhook"),
	}
}

// Write delivers e, retrying non-2xx responses and transport errors. It gives
// up early when ctx is done.
func (w *WebhookSink) Write(ctx context.Context, e Entry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	signature := ComputeHMAC(payload, w.secret)
	deliveryID := uuid.NewString()

	var lastErr error
	for attempt := 0; attempt <= w.retries; attempt++ {
		start := time.Now()
		status, body, err := w.post(ctx, payload, signature, deliveryID)
		duration := time.Since(start)

		if err == nil && status >= 200 && status < 300 {
			w.logger.Debug("delivery succeeded",
				zap.String("delivery_id", deliveryID),
				zap.Int("status", status),
				zap.Duration("duration", duration),
				zap.Int("attempt", attempt+1))
			return nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("webhook responded %d: %s", status, body)
		}

		if attempt == w.retries {
			break
		}
		wait := w.backoff(attempt)
		w.logger.Warn("delivery failed",
			zap.String("delivery_id", deliveryID),
			zap.Int("status", status),
			zap.Int("attempt", attempt+1),
			zap.Duration("retry_in", wait),
			zap.Error(lastErr))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	w.logger.Error("delivery failed permanently",
		zap.String("delivery_id", deliveryID),
		zap.Int("attempts", w.retries+1),
		zap.Error(lastErr))
	return lastErr
}

func (w *WebhookSink) post(ctx context.Context, payload []byte, signature, deliveryID string) (int, string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Policy-Signature", signature)
	req.Header.Set("X-Policy-Event", EventEvaluated)
	req.Header.Set("X-Policy-Delivery", deliveryID)

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	return resp.StatusCode, string(b), nil
}
