package constants

const (
	DefaultHealthEndpoint      = "/internal/health"
	DefaultStatusEndpoint      = "/internal/status"
	DefaultReloadEndpoint      = "/internal/reload"
	DefaultUsageEndpoint       = "/internal/usage"
	DefaultClientsEndpoint     = "/internal/clients"
	DefaultMetricsEndpoint     = "/internal/metrics"
	DefaultUtilizationEndpoint = "/internal/utilization"
	DefaultProxyPathPrefix     = "/v1/"
)
