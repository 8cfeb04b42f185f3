package api

import (
	"net/http"
	"strconv"

	"github.com/modelgate/modelgate/internal/models"
)

// listModels browses the catalog with optional filters and paging.
func (a *API) listModels(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := models.ListParams{
		Provider: q.Get("provider"),
		Endpoint: q.Get("endpoint"),
		Search:   q.Get("search"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		params.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		params.Offset = n
	}

	writeJSON(w, http.StatusOK, a.models.List(params))
}
