package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/modelgate/modelgate/internal/budget"
)

func (a *API) getBudget(w http.ResponseWriter, r *http.Request) {
	status, err := a.budget.GetStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read budget")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type putBudgetRequest struct {
	AmountUSD *float64 `json:"amountUsd"`
	AlertOnly *bool    `json:"alertOnly"`
}

// putBudget replaces the monthly budget. A null amount disables tracking;
// alertOnly defaults to true when omitted.
func (a *API) putBudget(w http.ResponseWriter, r *http.Request) {
	var req putBudgetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	alertOnly := true
	if req.AlertOnly != nil {
		alertOnly = *req.AlertOnly
	}

	if _, err := a.budget.Upsert(r.Context(), req.AmountUSD, alertOnly); err != nil {
		if errors.Is(err, budget.ErrInvalidAmount) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to update budget")
		return
	}

	status, err := a.budget.GetStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read budget")
		return
	}
	writeJSON(w, http.StatusOK, status)
}
