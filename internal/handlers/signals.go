package handlers

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/incrypt/backend/internal/apperr"
	"github.com/incrypt/backend/internal/payment"
	"github.com/incrypt/backend/internal/signals"
)

const paymentResponseHeader = "X-PAYMENT-RESPONSE"

// responseSlack covers encoding and writing the response after Issue returns.
const responseSlack = 5 * time.Second

type issueBody struct {
	Symbol  string `json:"symbol"`
	AgentID string `json:"agentId"`
}

type issueResponse struct {
	Signal  *signals.Signal     `json:"signal"`
	Receipt *signals.ReceiptRef `json:"receipt"`
}

// HandleIssueSignal sells one signal. Unpaid requests get a 402 x402
// challenge.
func HandleIssueSignal(svc *signals.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// A settled payer must get the signal even when Issue outlasts the
		// server's write timeout.
		_ = http.NewResponseController(w).SetWriteDeadline(time.Now().Add(svc.MaxDuration() + responseSlack))

		var body issueBody
		if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&body); err != nil {
			writeError(w, r, apperr.Wrap(apperr.KindValidation, "Invalid request body", err))
			return
		}

		out, err := svc.Issue(r.Context(), signals.IssueRequest{
			Symbol:        body.Symbol,
			AgentID:       body.AgentID,
			PaymentHeader: r.Header.Get(payment.HeaderName),
			Resource:      requestURL(r),
		})
		if err != nil {
			writeError(w, r, err)
			return
		}

		if out.Outcome == payment.Challenged {
			writeJSON(w, http.StatusPaymentRequired, out.Challenge)
			return
		}

		if out.Settlement != nil {
			if raw, err := json.Marshal(out.Settlement); err == nil {
				w.Header().Set(paymentResponseHeader, base64.StdEncoding.EncodeToString(raw))
			}
		}
		writeData(w, issueResponse{Signal: out.Signal, Receipt: out.Receipt})
	}
}

// HandlePaymentRequirements returns the challenge body with a 200 so clients
// can discover the price before paying.
func HandlePaymentRequirements(svc *signals.Service, resourcePath string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resource := payment.ResourceURL(r.Host, resourcePath, isSecure(r))
		writeJSON(w, http.StatusOK, payment.BuildChallenge(svc.Requirement(resource)))
	}
}

func requestURL(r *http.Request) string {
	return payment.ResourceURL(r.Host, r.URL.Path, isSecure(r))
}

func isSecure(r *http.Request) bool {
	return r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https"
}
