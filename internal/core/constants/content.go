package constants

const (
	ContentTypeJSON        = "application/json"
	ContentTypeEventStream = "text/event-stream"
	ContentTypeHeader      = "Content-Type"
)
