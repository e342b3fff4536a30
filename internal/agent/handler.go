package agent

import (
	"encoding/json"
	"net/http"

	"qcoord/internal/domain"
)

// NewHandler builds the agent's HTTP status handler with /health,
// /instances and DELETE /queries/{queryID}, which forgets the finished
// instances of a query.
func NewHandler(s *Server) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.health())
	})

	mux.HandleFunc("GET /instances", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"instances": s.Instances()})
	})

	mux.HandleFunc("DELETE /queries/{queryID}", func(w http.ResponseWriter, r *http.Request) {
		id, err := domain.ParseUniqueID(r.PathValue("queryID"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"error": err.Error(),
				"code":  "PARSE_ERROR",
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"forgotten": s.Forget(id)})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
