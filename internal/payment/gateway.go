package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

type OrderRequest struct {
	Amount   int64
	Currency string
	Receipt  string
	Notes    map[string]string
}

type Order struct {
	OrderID  string
	Amount   int64
	Currency string
	Status   string
}

type RefundRequest struct {
	ProviderPaymentID string
	Amount            int64
	Currency          string
	Reason            string
}

type RefundResult struct {
	RefundID  string
	Status    string
	Amount    int64
	CreatedAt time.Time
}

type EventType string

const (
	EventPaymentCaptured EventType = "payment.captured"
	EventPaymentFailed   EventType = "payment.failed"
	EventRefundProcessed EventType = "refund.processed"
	EventIgnored         EventType = "ignored"
)

// WebhookEvent is a provider event normalised for the lifecycle manager.
type WebhookEvent struct {
	Provider          string
	EventID           string
	Type              EventType
	RawType           string
	ProviderOrderID   string
	ProviderPaymentID string
	Amount            int64
	Currency          string
	Reason            string
	OccurredAt        time.Time
}

// Gateway hides provider specifics from the lifecycle manager.
type Gateway interface {
	Name() string
	CreateOrder(ctx context.Context, req OrderRequest) (*Order, error)
	VerifySignature(orderID, paymentID, signature string) bool
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)

	WebhookSignatureHeader() string
	VerifyWebhookSignature(payload []byte, signature string) bool
	ParseWebhookEvent(payload []byte, headers http.Header) (*WebhookEvent, error)
}

// Registry dispatches on provider name. Nothing past the registry branches on
// provider identity.
type Registry struct {
	gateways map[string]Gateway
}

func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[string]Gateway, len(gateways))}
	for _, g := range gateways {
		r.gateways[strings.ToLower(g.Name())] = g
	}
	return r
}

func (r *Registry) Get(name string) (Gateway, error) {
	g, ok := r.gateways[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return g, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func hmacHex(secret string, message []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}

func verifyHMAC(secret string, message []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	expected := hmacHex(secret, message)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(signature))))
}
