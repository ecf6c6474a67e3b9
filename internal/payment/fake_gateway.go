package payment

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

const fakeSignatureHeader = "X-Fake-Signature"

// FakeGateway signs and verifies with a local secret and never leaves the
// process. It backs development and load simulation.
type FakeGateway struct {
	secret string
	now    func() time.Time
}

func NewFakeGateway(secret string) *FakeGateway {
	return &FakeGateway{secret: secret, now: time.Now}
}

func (g *FakeGateway) Name() string { return "fake" }

func (g *FakeGateway) CreateOrder(_ context.Context, req OrderRequest) (*Order, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrGateway)
	}
	return &Order{
		OrderID:  "order_fake_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:14],
		Amount:   req.Amount,
		Currency: req.Currency,
		Status:   "created",
	}, nil
}

// Sign produces the checkout signature a client would receive.
func (g *FakeGateway) Sign(orderID, paymentID string) string {
	return hmacHex(g.secret, []byte(orderID+"|"+paymentID))
}

// SignWebhook produces the webhook signature for payload.
func (g *FakeGateway) SignWebhook(payload []byte) string {
	return hmacHex(g.secret, payload)
}

func (g *FakeGateway) VerifySignature(orderID, paymentID, signature string) bool {
	if orderID == "" || paymentID == "" {
		return false
	}
	return verifyHMAC(g.secret, []byte(orderID+"|"+paymentID), signature)
}

func (g *FakeGateway) Refund(_ context.Context, req RefundRequest) (*RefundResult, error) {
	if req.ProviderPaymentID == "" {
		return nil, fmt.Errorf("%w: provider payment id required", ErrGateway)
	}
	return &RefundResult{
		RefundID:  "rfnd_fake_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:14],
		Status:    "processed",
		Amount:    req.Amount,
		CreatedAt: g.now().UTC(),
	}, nil
}

func (g *FakeGateway) WebhookSignatureHeader() string { return fakeSignatureHeader }

func (g *FakeGateway) VerifyWebhookSignature(payload []byte, signature string) bool {
	return verifyHMAC(g.secret, payload, signature)
}

// FakeWebhook is the body the fake provider posts.
type FakeWebhook struct {
	ID        string `json:"id"`
	Event     string `json:"event"`
	OrderID   string `json:"order_id"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Reason    string `json:"reason,omitempty"`
}

func (g *FakeGateway) ParseWebhookEvent(payload []byte, _ http.Header) (*WebhookEvent, error) {
	var raw FakeWebhook
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if raw.ID == "" {
		return nil, fmt.Errorf("%w: missing event id", ErrMalformedEvent)
	}

	ev := &WebhookEvent{
		Provider:          g.Name(),
		EventID:           raw.ID,
		RawType:           raw.Event,
		ProviderOrderID:   raw.OrderID,
		ProviderPaymentID: raw.PaymentID,
		Amount:            raw.Amount,
		Currency:          raw.Currency,
		Reason:            raw.Reason,
		OccurredAt:        g.now().UTC(),
	}
	switch EventType(raw.Event) {
	case EventPaymentCaptured, EventPaymentFailed, EventRefundProcessed:
		ev.Type = EventType(raw.Event)
	default:
		ev.Type = EventIgnored
		return ev, nil
	}
	if ev.ProviderOrderID == "" {
		return nil, fmt.Errorf("%w: %s without order id", ErrMalformedEvent, raw.Event)
	}
	return ev, nil
}
