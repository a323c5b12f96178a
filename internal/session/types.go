package session

// ListResponse is the payload of the session listing endpoint.
type ListResponse struct {
	Sessions        []*Session `json:"sessions"`
	Active          int        `json:"active"`
	InactivityTTLMS int64      `json:"inactivity_ttl_ms"`
}
