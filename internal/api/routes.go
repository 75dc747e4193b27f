package api

const (
	HealthCheckRoute = "/healthz"
	AboutRoute       = "/about"

	// ExchangeRoute is the path CI jobs post their OIDC token to. The path
	// is part of the wire contract with existing workflows.
	ExchangeRoute = "/github/github-app-token-exchange"
)
