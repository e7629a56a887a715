package server

import "net/http"

// Probes poll these endpoints continuously, so the ok path stays
// alloc-free: okBody avoids a []byte("ok") escape per call and plainCT
// avoids the []string{v} alloc from Header.Set (see errors.go:jsonCT).
var (
	okBody  = []byte("ok")
	plainCT = []string{"text/plain"}
)

// handleHealthz reports liveness. It answers ok whenever the listener is
// up; routing or store trouble is a readiness concern, not a liveness one.
func (s *server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}

// handleReadyz runs the wired readiness check (store connectivity in
// managed mode) and includes the failure reason in the body so probes
// show why a node left rotation.
func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.ReadyCheck != nil {
		if err := s.deps.ReadyCheck(r.Context()); err != nil {
			w.Header()["Content-Type"] = plainCT
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("not ready: " + err.Error()))
			return
		}
	}
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}
