package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"fadedreams/repairhub/repair-service/domain"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// OrderRequest asks the gateway for a payable order. Amount is in major
// units; the gateway wire format uses minor units.
type OrderRequest struct {
	Amount   float64
	Currency string
	Receipt  string
	Notes    map[string]string
}

type Order struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
}

// TransferRequest moves a payout to a linked account.
type TransferRequest struct {
	Destination string
	Amount      float64
	Currency    string
	Notes       map[string]string
}

type Transfer struct {
	ID     string `json:"id"`
	Amount int64  `json:"amount"`
	Status string `json:"status,omitempty"`
}

// Gateway is the payment provider.
type Gateway interface {
	CreateOrder(ctx context.Context, req OrderRequest) (*Order, error)
	CreateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error)
}

// MinorUnits converts an amount to paise.
func MinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

// VerifySignature checks a hex HMAC-SHA256 of body under secret.
func VerifySignature(body []byte, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}

// Sign returns the signature VerifySignature accepts.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// HTTPGateway talks to a Razorpay-compatible REST API.
type HTTPGateway struct {
	baseURL   string
	keyID     string
	keySecret string
	client    *http.Client
}

func NewHTTPGateway(baseURL, keyID, keySecret string, timeout time.Duration) *HTTPGateway {
	return &HTTPGateway{
		baseURL:   strings.TrimRight(baseURL, "/"),
		keyID:     keyID,
		keySecret: keySecret,
		client:    &http.Client{Timeout: timeout},
	}
}

func (g *HTTPGateway) post(ctx context.Context, path string, body any, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.SetBasicAuth(g.keyID, g.keySecret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return domain.ExternalServiceError{Service: "payment gateway", Err: err}
	}
	defer resp.Body.Close()

	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error struct {
				Code        string `json:"code"`
				Description string `json:"description"`
			} `json:"error"`
		}
		msg := resp.Status
		if json.Unmarshal(payload, &apiErr) == nil && apiErr.Error.Description != "" {
			msg = apiErr.Error.Code + ": " + apiErr.Error.Description
		}
		return domain.ExternalServiceError{Service: "payment gateway", Err: fmt.Errorf("%s %s", path, msg)}
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return domain.ExternalServiceError{Service: "payment gateway", Err: fmt.Errorf("decode %s response: %w", path, err)}
	}
	return nil
}

func (g *HTTPGateway) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	ctx, span := otel.Tracer("repair-service").Start(ctx, "GatewayCreateOrder")
	defer span.End()

	var order Order
	err := g.post(ctx, "/v1/orders", map[string]any{
		"amount":   MinorUnits(req.Amount),
		"currency": req.Currency,
		"receipt":  req.Receipt,
		"notes":    req.Notes,
	}, &order)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to create order")
		return nil, err
	}
	span.SetAttributes(attribute.String("orderID", order.ID))
	return &order, nil
}

func (g *HTTPGateway) CreateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	ctx, span := otel.Tracer("repair-service").Start(ctx, "GatewayCreateTransfer")
	defer span.End()

	var transfer Transfer
	err := g.post(ctx, "/v1/transfers", map[string]any{
		"account":  req.Destination,
		"amount":   MinorUnits(req.Amount),
		"currency": req.Currency,
		"notes":    req.Notes,
	}, &transfer)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to create transfer")
		return nil, err
	}
	span.SetAttributes(attribute.String("transferID", transfer.ID))
	return &transfer, nil
}

// LocalGateway issues ids without calling a provider. It stands in when no
// gateway credentials are configured.
type LocalGateway struct{}

func (LocalGateway) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	return &Order{
		ID:       "order_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:14],
		Amount:   MinorUnits(req.Amount),
		Currency: req.Currency,
		Status:   "created",
	}, nil
}

func (LocalGateway) CreateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	return &Transfer{
		ID:     "trf_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:14],
		Amount: MinorUnits(req.Amount),
		Status: "processed",
	}, nil
}
