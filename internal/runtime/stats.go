package runtime

import (
	"net/http"

	"github.com/drblury/msgbridge/internal/runtime/jsoncodec"
)

// registerStatsHandler mounts a JSON view of the per-topic counters next to
// /metrics.
func (s *Service) registerStatsHandler(port int) {
	s.RegisterHTTPHandler(port, "/api/topics", http.HandlerFunc(s.handleGetTopics))
}

func (s *Service) handleGetTopics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := jsoncodec.Marshal(s.metrics.GetSnapshot())
	if err != nil {
		s.Logger.Error("Failed to encode topic stats", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}
