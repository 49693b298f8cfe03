package dto

// TokenStatusResponse is returned by the token status endpoint.
type TokenStatusResponse struct {
	TokenStatus string `json:"token_status"`
}

// IntrospectResponse describes the bearer token of the current request.
type IntrospectResponse struct {
	Active      bool   `json:"active"`
	TokenStatus string `json:"token_status"`
}
