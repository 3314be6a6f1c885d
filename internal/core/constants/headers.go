package constants

const (
	HeaderXRequestID = "X-Request-ID"
	HeaderRequestID  = "X-Porter-Request-ID"
	HeaderAPIToken   = "X-Api-Token"
	HeaderClientID   = "X-Client-Id"
	HeaderAPIKey     = "x-api-key"
	HeaderAuth       = "Authorization"
)

const (
	// APIKeyPrefix marks a plain Anthropic API key; anything else is treated
	// as an OAuth-style token and sent as a Bearer credential.
	APIKeyPrefix = "sk-ant-"
)
