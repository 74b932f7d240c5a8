package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/helm-firewall/pkg/access"
	"github.com/Mindburn-Labs/helm-firewall/pkg/chain"
	"github.com/Mindburn-Labs/helm-firewall/pkg/consumer"
	"github.com/Mindburn-Labs/helm-firewall/pkg/firewall"
	"github.com/Mindburn-Labs/helm-firewall/pkg/policy"
	"github.com/Mindburn-Labs/helm-firewall/pkg/policy/approvedcalls"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Instance  string `json:"instance,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	// ReceiptID is set when a transaction was executed and reverted.
	ReceiptID string `json:"receipt_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func writeProblem(w http.ResponseWriter, r *http.Request, p *ProblemDetail) {
	p.Type = fmt.Sprintf("https://helm.schemas.local/firewall/errors/%d", p.Status)
	if p.Title == "" {
		p.Title = http.StatusText(p.Status)
	}
	p.Instance = r.URL.Path
	p.RequestID = w.Header().Get(requestIDHeader)
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, detail string) {
	writeProblem(w, r, &ProblemDetail{Status: status, Detail: detail})
}

// writeInternal logs err and hides it from the client.
func writeInternal(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	logger.ErrorContext(r.Context(), "internal server error", "error", err, "path", r.URL.Path)
	writeError(w, r, http.StatusInternalServerError, "An unexpected error occurred. Please try again later.")
}

func writeTooManyRequests(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Retry-After", "1")
	writeError(w, r, http.StatusTooManyRequests, "Rate limit exceeded.")
}

// revertStatus maps the cause of a reverted transaction to an HTTP status.
func revertStatus(err error) (int, string) {
	switch {
	case errors.Is(err, access.ErrUnauthorized),
		errors.Is(err, firewall.ErrNotOwner),
		errors.Is(err, firewall.ErrNotConsumerAdmin),
		errors.Is(err, consumer.ErrNotFirewallAdmin),
		errors.Is(err, policy.ErrUnauthorizedExecutor),
		errors.Is(err, approvedcalls.ErrInvalidSigner),
		errors.Is(err, approvedcalls.ErrInvalidSignature):
		return http.StatusForbidden, "Unauthorized Call"
	case errors.Is(err, approvedcalls.ErrEmptyCallHashes),
		errors.Is(err, approvedcalls.ErrCallHashesEmpty),
		errors.Is(err, approvedcalls.ErrInvalidCallHash),
		errors.Is(err, approvedcalls.ErrInvalidNonce),
		errors.Is(err, approvedcalls.ErrInvalidTxOrigin),
		errors.Is(err, approvedcalls.ErrExpired):
		return http.StatusConflict, "Call Not Approved"
	case errors.Is(err, chain.ErrUnknownSelector),
		errors.Is(err, chain.ErrBadCalldata),
		errors.Is(err, chain.ErrNotPayable),
		errors.Is(err, chain.ErrNoCode):
		return http.StatusBadRequest, "Invalid Call"
	default:
		return http.StatusUnprocessableEntity, "Transaction Reverted"
	}
}
