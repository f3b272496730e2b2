package httpapi

import "net/http"

// providerView is one entry of GET /providers: a configured backend's
// label plus its live reachability, checked at request time rather than
// cached, since a daemon can come and go between polls.
type providerView struct {
	Label     string `json:"label"`
	Kind      string `json:"kind"`
	Reachable bool   `json:"reachable"`
}

// handleListProviders implements GET /providers, a supplemented feature
// giving callers visibility into configured backends without having to
// probe /ollama-proxy/api/tags against each one themselves.
func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	views := make([]providerView, 0, len(s.Cfg.Providers))
	for _, entry := range s.Cfg.Providers {
		view := providerView{Label: entry.Label, Kind: entry.Kind}
		if p, ok := s.Registry.ByLabel(entry.Label); ok {
			view.Reachable = p.Available(r.Context())
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, views)
}
