package admission

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/quietloop/projectbridge/internal/logger"
	"github.com/quietloop/projectbridge/internal/metrics"
	"github.com/quietloop/projectbridge/internal/rpcerr"
)

// Gate runs the three checks applied to every network-transport call, in
// order: bearer verification, source allow-listing, and rate limiting.
// Bearer verification runs first so the rate limiter keys on a stable
// principal rather than a shared NAT address.
type Gate struct {
	bearer       *BearerVerifier
	allowlist    *Allowlist
	rateLimiter  *RateLimiter
	trustedProxy string
}

// NewGate assembles a Gate from its three checks. allowlist and
// rateLimiter may be nil to disable that check (e.g. in a development
// profile); bearer is required.
func NewGate(bearer *BearerVerifier, allowlist *Allowlist, rateLimiter *RateLimiter, trustedProxy string) *Gate {
	return &Gate{
		bearer:       bearer,
		allowlist:    allowlist,
		rateLimiter:  rateLimiter,
		trustedProxy: trustedProxy,
	}
}

// Admit runs all three checks against r and returns the caller's verified
// subject on success, or the first check's terminal error on failure.
func (g *Gate) Admit(r *http.Request) (string, error) {
	claims, err := g.bearer.Verify(r.Header.Get("Authorization"))
	if err != nil {
		return "", err
	}

	if g.allowlist != nil {
		if err := g.allowlist.Check(r, g.trustedProxy); err != nil {
			return "", err
		}
	}

	if g.rateLimiter != nil {
		if err := g.rateLimiter.Allow(r.Context(), claims.Subject); err != nil {
			return "", err
		}
	}

	return claims.Subject, nil
}

// Middleware wraps next with the admission gate. On success the verified
// subject is attached to the request context via withSubject; on failure
// the gate writes a JSON-RPC-shaped error response and next is never called.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, err := g.Admit(r)
		if err != nil {
			writeAdmissionError(w, err)
			return
		}
		ctx := logger.WithPrincipal(withSubject(r.Context(), subject), subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type admissionErrorEnvelope struct {
	JSONRPC string             `json:"jsonrpc"`
	Error   admissionErrorBody `json:"error"`
}

type admissionErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func writeAdmissionError(w http.ResponseWriter, err error) {
	rerr := rpcerr.As(err)
	if rerr == nil {
		rerr = rpcerr.New(rpcerr.KindInternal, "admission check failed")
	}
	metrics.RecordAdmissionRejection(string(rerr.Kind))

	status := http.StatusForbidden
	switch rerr.Kind {
	case rpcerr.KindUnauthorised:
		status = http.StatusUnauthorized
	case rpcerr.KindRateLimited:
		status = http.StatusTooManyRequests
		if rerr.Data != nil && rerr.Data.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(rerr.Data.RetryAfter))
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(admissionErrorEnvelope{
		JSONRPC: "2.0",
		Error:   admissionErrorBody{Code: rerr.Code(), Message: rerr.Message},
	})
}
