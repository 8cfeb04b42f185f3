package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/modelgate/modelgate/internal/logger"
	"github.com/modelgate/modelgate/internal/usage"
)

// getUsage reports aggregated usage for a time window, as JSON or as a
// CSV download when format=csv.
func (a *API) getUsage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := usage.QueryParams{
		Start:    q.Get("startTime"),
		End:      q.Get("endTime"),
		Timezone: q.Get("timezone"),
	}

	if q.Get("format") == "csv" {
		start, end, err := params.Window()
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=%q", usage.CSVFilename(start, end)))
		if err := a.store.WriteCSV(r.Context(), w, params); err != nil {
			// Headers are already out; the truncated file is all we can send.
			logger.Error(r.Context(), "Failed to write usage CSV", "err", err)
		}
		return
	}

	summary, err := a.store.Query(r.Context(), params)
	if err != nil {
		if errors.Is(err, usage.ErrInvalidQuery) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to query usage")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
