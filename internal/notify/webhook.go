package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"points-ledger/internal/config"
	"points-ledger/internal/metrics"
	"points-ledger/internal/models"
	"points-ledger/pkg/errors"
	"points-ledger/pkg/logger"

	"golang.org/x/time/rate"
)

// SignatureHeader 请求体HMAC-SHA256签名（hex）所在的请求头
const SignatureHeader = "X-Signature"

// Sink 通知下游服务
type Sink interface {
	Send(ctx context.Context, payload interface{}) (int, error)
}

// WebhookSink 以签名的JSON请求投递事件，投递失败不影响账本
type WebhookSink struct {
	client     *http.Client
	url        string
	secret     string
	maxRetries int
	limiter    *rate.Limiter
	network    string
}

func NewWebhookSink(cfg config.WebhookConfig, network string) *WebhookSink {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.Delay > 0 {
		limit = rate.Every(cfg.Delay)
	}
	return &WebhookSink{
		client:     &http.Client{Timeout: timeout},
		url:        cfg.URL,
		secret:     cfg.Secret,
		maxRetries: cfg.MaxRetries,
		limiter:    rate.NewLimiter(limit, 1),
		network:    network,
	}
}

// Sign 计算请求体的hex HMAC-SHA256
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Send 投递一次负载，非2xx响应按失败重试，重试耗尽返回DELIVERY_FAILURE
func (s *WebhookSink) Send(ctx context.Context, payload interface{}) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, errors.New(errors.ErrDelivery, "序列化webhook负载失败", err)
	}
	signature := Sign(body, s.secret)

	var (
		status  int
		lastErr error
	)
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return status, errors.New(errors.ErrDelivery, "webhook投递被取消", err)
		}

		status, lastErr = s.post(ctx, body, signature)
		if lastErr == nil {
			return status, nil
		}

		logger.WithFields(map[string]interface{}{
			"attempt": attempt + 1,
			"status":  status,
			"error":   lastErr.Error(),
		}).Warn("webhook投递失败")
	}

	return status, errors.New(errors.ErrDelivery,
		fmt.Sprintf("webhook投递失败，已重试 %d 次", s.maxRetries), lastErr)
}

func (s *WebhookSink) post(ctx context.Context, body []byte, signature string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// NotifyEvents 逐个投递事件，返回投递失败的数量
func (s *WebhookSink) NotifyEvents(ctx context.Context, events []models.ChainEvent) int {
	failures := 0
	for i, ev := range events {
		payload := FormatEvent(ev, s.network, time.Now())
		status, err := s.Send(ctx, payload)
		if err != nil {
			failures++
			metrics.Deliveries.WithLabelValues("failed").Inc()
			logger.WithFields(map[string]interface{}{
				"tx_hash": ev.TxHash,
				"status":  status,
				"error":   err.Error(),
			}).Error("事件通知失败")
			if ctx.Err() != nil {
				failures += len(events) - 1 - i
				break
			}
			continue
		}
		metrics.Deliveries.WithLabelValues("delivered").Inc()
		logger.WithFields(map[string]interface{}{
			"tx_hash": ev.TxHash,
			"status":  status,
		}).Debug("事件通知成功")
	}
	return failures
}

// NetworkName 链ID对应的通知网络名
func NetworkName(chainID uint64, fallback string) string {
	switch chainID {
	case 1868:
		return "SONEIUM_MAINNET"
	case 146:
		return "SONIC_MAINNET"
	default:
		return strings.ToUpper(fallback)
	}
}
