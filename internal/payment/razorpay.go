package payment

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/hackgods/clinic-booking-queue/pkg/logging"
)

var razorpayTracer = otel.Tracer("clinic.internal.payment.razorpay")

const (
	razorpaySignatureHeader = "X-Razorpay-Signature"
	razorpayEventIDHeader   = "X-Razorpay-Event-Id"
)

type RazorpayConfig struct {
	KeyID         string
	KeySecret     string
	WebhookSecret string
	BaseURL       string
	HTTPClient    *http.Client
}

// RazorpayGateway talks to the Razorpay orders and refunds APIs.
type RazorpayGateway struct {
	keyID         string
	keySecret     string
	webhookSecret string
	baseURL       string
	httpClient    *http.Client
	logger        *logging.Logger
}

func NewRazorpayGateway(cfg RazorpayConfig, logger *logging.Logger) *RazorpayGateway {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.razorpay.com"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &RazorpayGateway{
		keyID:         cfg.KeyID,
		keySecret:     cfg.KeySecret,
		webhookSecret: cfg.WebhookSecret,
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:    cfg.HTTPClient,
		logger:        logger,
	}
}

func (g *RazorpayGateway) Name() string { return "razorpay" }

func (g *RazorpayGateway) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	ctx, span := razorpayTracer.Start(ctx, "razorpay.create_order")
	defer span.End()
	span.SetAttributes(
		attribute.String("clinic.receipt", req.Receipt),
		attribute.Int64("clinic.amount_minor", req.Amount),
	)

	body := map[string]any{
		"amount":   req.Amount,
		"currency": req.Currency,
		"receipt":  req.Receipt,
	}
	if len(req.Notes) > 0 {
		body["notes"] = req.Notes
	}

	var parsed struct {
		ID       string `json:"id"`
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
		Status   string `json:"status"`
	}
	if err := g.post(ctx, "/v1/orders", body, &parsed); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create order failed")
		return nil, err
	}

	return &Order{
		OrderID:  parsed.ID,
		Amount:   parsed.Amount,
		Currency: parsed.Currency,
		Status:   parsed.Status,
	}, nil
}

// VerifySignature checks the checkout signature, HMAC-SHA256 of
// "order_id|payment_id" keyed by the API secret.
func (g *RazorpayGateway) VerifySignature(orderID, paymentID, signature string) bool {
	if orderID == "" || paymentID == "" {
		return false
	}
	return verifyHMAC(g.keySecret, []byte(orderID+"|"+paymentID), signature)
}

func (g *RazorpayGateway) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	ctx, span := razorpayTracer.Start(ctx, "razorpay.refund")
	defer span.End()
	span.SetAttributes(
		attribute.String("razorpay.payment_id", req.ProviderPaymentID),
		attribute.Int64("clinic.amount_minor", req.Amount),
	)

	body := map[string]any{"amount": req.Amount}
	if req.Reason != "" {
		body["notes"] = map[string]string{"reason": req.Reason}
	}

	var parsed struct {
		ID        string `json:"id"`
		Amount    int64  `json:"amount"`
		Status    string `json:"status"`
		CreatedAt int64  `json:"created_at"`
	}
	if err := g.post(ctx, "/v1/payments/"+req.ProviderPaymentID+"/refund", body, &parsed); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "refund failed")
		return nil, err
	}

	g.logger.Info("razorpay refund created",
		"refund_id", parsed.ID,
		"payment_id", req.ProviderPaymentID,
		"status", parsed.Status,
		"amount", parsed.Amount,
	)

	return &RefundResult{
		RefundID:  parsed.ID,
		Status:    parsed.Status,
		Amount:    parsed.Amount,
		CreatedAt: time.Unix(parsed.CreatedAt, 0).UTC(),
	}, nil
}

func (g *RazorpayGateway) WebhookSignatureHeader() string { return razorpaySignatureHeader }

func (g *RazorpayGateway) VerifyWebhookSignature(payload []byte, signature string) bool {
	return verifyHMAC(g.webhookSecret, payload, signature)
}

type razorpayEntity struct {
	ID               string `json:"id"`
	OrderID          string `json:"order_id"`
	PaymentID        string `json:"payment_id"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	Status           string `json:"status"`
	ErrorDescription string `json:"error_description"`
}

type razorpayWebhook struct {
	Event     string `json:"event"`
	CreatedAt int64  `json:"created_at"`
	Payload   struct {
		Payment *struct {
			Entity razorpayEntity `json:"entity"`
		} `json:"payment"`
		Refund *struct {
			Entity razorpayEntity `json:"entity"`
		} `json:"refund"`
	} `json:"payload"`
}

func (g *RazorpayGateway) ParseWebhookEvent(payload []byte, headers http.Header) (*WebhookEvent, error) {
	var raw razorpayWebhook
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	eventID := headers.Get(razorpayEventIDHeader)
	if eventID == "" {
		return nil, fmt.Errorf("%w: missing %s header", ErrMalformedEvent, razorpayEventIDHeader)
	}

	ev := &WebhookEvent{
		Provider:   g.Name(),
		EventID:    eventID,
		RawType:    raw.Event,
		OccurredAt: time.Unix(raw.CreatedAt, 0).UTC(),
	}

	if raw.Payload.Payment != nil {
		p := raw.Payload.Payment.Entity
		ev.ProviderOrderID = p.OrderID
		ev.ProviderPaymentID = p.ID
		ev.Amount = p.Amount
		ev.Currency = p.Currency
		ev.Reason = p.ErrorDescription
	}

	switch raw.Event {
	case "payment.captured":
		ev.Type = EventPaymentCaptured
	case "payment.failed":
		ev.Type = EventPaymentFailed
	case "refund.processed":
		ev.Type = EventRefundProcessed
		if raw.Payload.Refund == nil {
			return nil, fmt.Errorf("%w: refund event without refund entity", ErrMalformedEvent)
		}
		ev.Amount = raw.Payload.Refund.Entity.Amount
		if ev.ProviderPaymentID == "" {
			ev.ProviderPaymentID = raw.Payload.Refund.Entity.PaymentID
		}
	default:
		ev.Type = EventIgnored
		return ev, nil
	}

	if ev.ProviderOrderID == "" {
		return nil, fmt.Errorf("%w: %s without order id", ErrMalformedEvent, raw.Event)
	}
	return ev, nil
}

func (g *RazorpayGateway) post(ctx context.Context, path string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("razorpay marshal: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("razorpay request: %w", err)
	}
	httpReq.SetBasicAuth(g.keyID, g.keySecret)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: razorpay http: %v", ErrGateway, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode >= http.StatusMultipleChoices {
		g.logger.Error("razorpay call failed",
			"path", path,
			"status", resp.StatusCode,
			"body", string(respBody),
		)
		return fmt.Errorf("%w: razorpay status %d: %s", ErrGateway, resp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("razorpay decode: %w", err)
	}
	return nil
}
