// Package webhook ingests upstream-originated event deliveries: HMAC
// signature verification, a timestamp window, and delivery-id replay
// suppression, then fans accepted events out to registered handlers.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/quietloop/projectbridge/internal/kvstore"
	"github.com/quietloop/projectbridge/internal/logger"
	"github.com/quietloop/projectbridge/internal/metrics"
)

const (
	signatureHeader = "X-Zoho-Signature"
	timestampHeader = "X-Zoho-Timestamp"
	deliveryHeader  = "X-Zoho-Delivery-Id"

	timestampWindow = 5 * time.Minute
	dedupKeyPrefix  = "webhook:delivery:"
	defaultDedupTTL = 5 * time.Minute
)

// Event is the decoded webhook payload handed to a registered Handler.
type Event struct {
	Type string
	Data map[string]any
}

// Handler processes one accepted event. A returned error is logged and
// still answered with 200 to the upstream, to avoid redelivery storms; a
// panic inside a Handler is the only path that produces a 500.
type Handler func(ctx context.Context, event Event) error

// Router verifies and dispatches webhook deliveries.
type Router struct {
	secret   []byte
	store    *kvstore.Store
	dedupTTL time.Duration
	handlers map[string]Handler
}

// NewRouter returns a Router verifying deliveries against secret and
// tracking replay state in store.
func NewRouter(secret []byte, store *kvstore.Store) *Router {
	return &Router{
		secret:   secret,
		store:    store,
		dedupTTL: defaultDedupTTL,
		handlers: make(map[string]Handler),
	}
}

// Register associates handler with eventType, overwriting any prior
// registration for that type.
func (rt *Router) Register(eventType string, handler Handler) {
	rt.handlers[eventType] = handler
}

// ServeHTTP implements http.Handler. A delivery failing the signature,
// timestamp or replay check answers 401, and an unreadable or malformed
// body answers 400. Once a delivery is accepted, an unknown event type or
// a handler error answers 200 so upstream does not retry into a storm; a
// recovered handler panic is the only path that answers 500.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error(r.Context(), "webhook handler panicked", "panic", p)
			w.WriteHeader(http.StatusInternalServerError)
		}
	}()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "cannot read body", http.StatusBadRequest)
		return
	}

	if err := rt.verify(r, body); err != nil {
		logger.Warn(r.Context(), "webhook rejected", "err", err)
		metrics.RecordWebhookDelivery("rejected")
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var envelope struct {
		EventType string         `json:"event_type"`
		Data      map[string]any `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		logger.Warn(r.Context(), "webhook payload malformed", "err", err)
		metrics.RecordWebhookDelivery("rejected")
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	handler, ok := rt.handlers[envelope.EventType]
	if !ok {
		logger.Warn(r.Context(), "webhook event type unhandled", "type", envelope.EventType)
		metrics.RecordWebhookDelivery("ignored")
		writeStatus(w, "ignored", "unknown_event_type")
		return
	}

	if err := handler(r.Context(), Event{Type: envelope.EventType, Data: envelope.Data}); err != nil {
		logger.Error(r.Context(), "webhook handler failed", "type", envelope.EventType, "err", err)
		metrics.RecordWebhookDelivery("failed")
		writeStatus(w, "failed", err.Error())
		return
	}

	metrics.RecordWebhookDelivery("processed")
	writeStatus(w, "processed", "")
}

// verify checks signature, timestamp window, and replay, in that order.
func (rt *Router) verify(r *http.Request, body []byte) error {
	signature := r.Header.Get(signatureHeader)
	if signature == "" {
		return errors.New("missing webhook signature header")
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, rt.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return errors.New("invalid webhook signature")
	}

	if ts := r.Header.Get(timestampHeader); ts != "" {
		sec, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return errors.New("malformed webhook timestamp")
		}
		delivered := time.Unix(sec, 0)
		if age := time.Since(delivered); age > timestampWindow || age < -timestampWindow {
			return errors.New("webhook timestamp outside acceptance window")
		}
	}

	deliveryID := r.Header.Get(deliveryHeader)
	if deliveryID == "" {
		deliveryID = expected
	}
	if err := rt.store.CreateIfAbsentTTL(dedupKeyPrefix+deliveryID, []byte("1"), rt.dedupTTL); err != nil {
		if errors.Is(err, kvstore.ErrAlreadyExists) {
			return errors.New("duplicate webhook delivery")
		}
		return err
	}

	return nil
}

func writeStatus(w http.ResponseWriter, status, reason string) {
	w.Header().Set("Content-Type", "application/json")
	body := map[string]any{"status": status}
	if reason != "" {
		body["reason"] = reason
	}
	_ = json.NewEncoder(w).Encode(body)
}
