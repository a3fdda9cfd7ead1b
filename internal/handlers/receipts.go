package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/incrypt/backend/internal/ledger"
)

// HandleGetReceipt returns a receipt after re-verifying its hash.
func HandleGetReceipt(l *ledger.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		receipt, err := l.Lookup(r.Context(), mux.Vars(r)["hash"])
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeData(w, receipt)
	}
}

// HandleListReceipts enumerates receipts newest first.
func HandleListReceipts(l *ledger.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := queryLimit(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		receipts, err := l.List(r.Context(), limit)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if receipts == nil {
			receipts = []*ledger.Receipt{}
		}
		writeData(w, receipts)
	}
}
