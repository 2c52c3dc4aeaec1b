package service

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/idbroker/idbroker/internal/metrics"
	"github.com/idbroker/idbroker/internal/repository"
	"github.com/idbroker/idbroker/internal/utils"
	"github.com/idbroker/idbroker/internal/utils/tlog"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	WebhookStatusPending   = "pending"
	WebhookStatusDelivered = "delivered"
	WebhookStatusFailed    = "failed"
)

const (
	EventAuthorizationGranted = "authorization_granted"
	EventTokenIssued          = "token_issued"
	EventTokenRefreshed       = "token_refreshed"
	EventSAMLLogin            = "saml_login"
	EventFederatedLogin       = "federated_login"
)

const (
	webhookSweepBatch       = 100
	webhookSweepConcurrency = 4
	webhookErrorLimit       = 512
)

type WebhookEvent struct {
	Event  string
	UserID string
	Scope  string
	Fields map[string]any
}

type WebhookServiceConfig struct {
	Timeout       int
	RetryInterval int
	MaxAttempts   int
	BaseBackoff   int
	HTTPClient    *http.Client
	Now           func() time.Time
}

type WebhookService struct {
	config   WebhookServiceConfig
	queries  *repository.Queries
	client   *http.Client
	now      func() time.Time
	inflight sync.WaitGroup
}

func NewWebhookService(config WebhookServiceConfig, queries *repository.Queries) *WebhookService {
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &WebhookService{
		config:  config,
		queries: queries,
		now:     now,
	}
}

func (webhooks *WebhookService) Init() error {
	if webhooks.config.MaxAttempts <= 0 {
		return errors.New("webhook max attempts must be greater than 0")
	}

	webhooks.client = webhooks.config.HTTPClient
	if webhooks.client == nil {
		webhooks.client = &http.Client{
			Timeout: time.Duration(webhooks.config.Timeout) * time.Second,
		}
	}

	return nil
}

// Emit records the event and makes the first delivery attempt in the
// background. It never blocks the caller and never reports failures to it.
func (webhooks *WebhookService) Emit(client repository.Client, event WebhookEvent) {
	if client.WebhookURL == "" {
		return
	}

	webhooks.inflight.Add(1)

	go func() {
		defer webhooks.inflight.Done()

		ctx := context.Background()

		delivery, err := webhooks.record(ctx, client, event)
		if err != nil {
			log.Error().Err(err).Str("client_id", client.ClientID).Str("event", event.Event).Msg("Failed to record webhook delivery")
			return
		}

		if _, err := webhooks.attempt(ctx, client, delivery); err != nil {
			log.Error().Err(err).Str("delivery_id", delivery.ID).Msg("Failed to update webhook delivery")
		}
	}()
}

// Wait blocks until every delivery started by Emit has finished its first attempt
func (webhooks *WebhookService) Wait() {
	webhooks.inflight.Wait()
}

func (webhooks *WebhookService) record(ctx context.Context, client repository.Client, event WebhookEvent) (repository.WebhookDelivery, error) {
	now := webhooks.now()

	payload := make(map[string]any, len(event.Fields)+5)
	for k, v := range event.Fields {
		payload[k] = v
	}
	payload["event"] = event.Event
	payload["userId"] = event.UserID
	payload["scope"] = event.Scope
	payload["timestamp"] = now.UTC().Format(time.RFC3339)
	payload["application_id"] = client.ClientID

	encoded, err := json.Marshal(payload)
	if err != nil {
		return repository.WebhookDelivery{}, fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	return webhooks.queries.CreateWebhookDelivery(ctx, repository.CreateWebhookDeliveryParams{
		ID:        uuid.NewString(),
		ClientID:  client.ClientID,
		Event:     event.Event,
		Payload:   string(encoded),
		CreatedAt: now.Unix(),
		UpdatedAt: now.Unix(),
	})
}

// Backoff is the delay after the given failed attempt: base, 2*base, 4*base...
func (webhooks *WebhookService) Backoff(attempt int) time.Duration {
	base := time.Duration(webhooks.config.BaseBackoff) * time.Second

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = base
	exp.RandomizationFactor = 0
	exp.Multiplier = 2
	exp.MaxInterval = base << webhooks.config.MaxAttempts
	exp.Reset()

	delay := exp.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = exp.NextBackOff()
	}

	return delay
}

func (webhooks *WebhookService) body(delivery repository.WebhookDelivery, sentAt time.Time) ([]byte, error) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(delivery.Payload), &payload); err != nil {
		return nil, fmt.Errorf("failed to decode stored webhook payload: %w", err)
	}
	payload["delivered_at"] = sentAt.UTC().Format(time.RFC3339)
	return json.Marshal(payload)
}

func (webhooks *WebhookService) send(ctx context.Context, client repository.Client, delivery repository.WebhookDelivery, body []byte) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(webhooks.config.Timeout)*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, client.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "idbroker-webhooks")
	req.Header.Set("X-Webhook-Event", delivery.Event)
	req.Header.Set("X-Webhook-Delivery", delivery.ID)

	if client.WebhookSecret != "" {
		req.Header.Set("X-Webhook-Signature", utils.SignHMAC(body, client.WebhookSecret))
	}

	res, err := webhooks.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()

	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return res.StatusCode, fmt.Errorf("receiver responded with status %d", res.StatusCode)
	}

	return res.StatusCode, nil
}

// attempt performs one delivery and persists the outcome. The returned error
// is about persistence only, delivery failures are recorded on the row.
func (webhooks *WebhookService) attempt(ctx context.Context, client repository.Client, delivery repository.WebhookDelivery) (repository.WebhookDelivery, error) {
	sentAt := webhooks.now()
	attempts := delivery.Attempts + 1

	var statusCode int
	body, err := webhooks.body(delivery, sentAt)
	if err == nil {
		statusCode, err = webhooks.send(ctx, client, delivery, body)
	}

	params := repository.UpdateWebhookDeliveryParams{
		Attempts:   attempts,
		StatusCode: sql.NullInt64{Int64: int64(statusCode), Valid: statusCode != 0},
		UpdatedAt:  webhooks.now().Unix(),
		ID:         delivery.ID,
	}

	switch {
	case err == nil:
		params.Status = WebhookStatusDelivered
		params.DeliveredAt = sql.NullInt64{Int64: sentAt.Unix(), Valid: true}
		metrics.WebhookDeliveries.WithLabelValues("delivered").Inc()
		log.Debug().Str("delivery_id", delivery.ID).Str("event", delivery.Event).Int("status", statusCode).Msg("Webhook delivered")
	case attempts >= int64(webhooks.config.MaxAttempts):
		params.Status = WebhookStatusFailed
		params.Error = truncate(err.Error(), webhookErrorLimit)
		metrics.WebhookDeliveries.WithLabelValues("exhausted").Inc()
		tlog.AuditWebhookExhausted(client.ClientID, delivery.Event, delivery.ID, int(attempts))
	default:
		retryAt := sentAt.Add(webhooks.Backoff(int(attempts)))
		params.Status = WebhookStatusFailed
		params.Error = truncate(err.Error(), webhookErrorLimit)
		params.NextRetryAt = sql.NullInt64{Int64: retryAt.Unix(), Valid: true}
		metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
		log.Warn().Err(err).Str("delivery_id", delivery.ID).Int64("attempt", attempts).Time("next_retry_at", retryAt).Msg("Webhook delivery failed")
	}

	return webhooks.queries.UpdateWebhookDelivery(ctx, params)
}

// RetryDue resends failed deliveries whose retry time has passed. Each row is
// claimed with a conditional update first, so sweeps running on several
// instances never send the same attempt twice.
func (webhooks *WebhookService) RetryDue(ctx context.Context) (int, error) {
	now := webhooks.now().Unix()

	due, err := webhooks.queries.ListDueWebhookDeliveries(ctx, repository.ListDueWebhookDeliveriesParams{
		Now:         now,
		MaxAttempts: int64(webhooks.config.MaxAttempts),
		Limit:       webhookSweepBatch,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list due webhook deliveries: %w", err)
	}

	var mu sync.Mutex
	sent := 0

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(webhookSweepConcurrency)

	for _, delivery := range due {
		group.Go(func() error {
			claimed, err := webhooks.queries.ClaimWebhookDelivery(ctx, repository.ClaimWebhookDeliveryParams{
				LeaseUntil: now + int64(webhooks.config.Timeout) + 60,
				UpdatedAt:  now,
				ID:         delivery.ID,
				Attempts:   delivery.Attempts,
				Now:        now,
			})
			if errors.Is(err, sql.ErrNoRows) {
				log.Debug().Str("delivery_id", delivery.ID).Msg("Webhook delivery claimed elsewhere, skipping")
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to claim webhook delivery %s: %w", delivery.ID, err)
			}

			client, err := webhooks.queries.GetClient(ctx, claimed.ClientID)
			if errors.Is(err, sql.ErrNoRows) {
				return webhooks.abandon(ctx, claimed, "client no longer exists")
			}
			if err != nil {
				return fmt.Errorf("failed to get client of webhook delivery %s: %w", delivery.ID, err)
			}

			if client.WebhookURL == "" {
				return webhooks.abandon(ctx, claimed, "client has no webhook url")
			}

			if _, err := webhooks.attempt(ctx, client, claimed); err != nil {
				return fmt.Errorf("failed to update webhook delivery %s: %w", delivery.ID, err)
			}

			mu.Lock()
			sent++
			mu.Unlock()
			return nil
		})
	}

	err = group.Wait()
	return sent, err
}

func (webhooks *WebhookService) abandon(ctx context.Context, delivery repository.WebhookDelivery, reason string) error {
	_, err := webhooks.queries.UpdateWebhookDelivery(ctx, repository.UpdateWebhookDeliveryParams{
		Status:      WebhookStatusFailed,
		StatusCode:  delivery.StatusCode,
		Attempts:    delivery.Attempts,
		Error:       reason,
		DeliveredAt: delivery.DeliveredAt,
		UpdatedAt:   webhooks.now().Unix(),
		ID:          delivery.ID,
	})
	return err
}

func (webhooks *WebhookService) GetDelivery(ctx context.Context, id string) (repository.WebhookDelivery, error) {
	delivery, err := webhooks.queries.GetWebhookDelivery(ctx, id)
	if err != nil {
		return repository.WebhookDelivery{}, notFound(err, "webhook delivery")
	}
	return delivery, nil
}

func (webhooks *WebhookService) ListDeliveries(ctx context.Context, clientID string) ([]repository.WebhookDelivery, error) {
	return webhooks.queries.ListClientWebhookDeliveries(ctx, clientID)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
