package log

const (
	// Request
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"

	// Actor (matches pkg/middleware keys)
	FieldUserID = "user_id"

	// Service
	FieldService  = "service"
	FieldServerID = "server_id"

	// Realtime
	FieldStreamID     = "stream_id"
	FieldConnectionID = "connection_id"
	FieldSubscription = "subscription"
	FieldChannel      = "channel"
	FieldEventType    = "event_type"
	FieldEventID      = "event_id"
	FieldDelivered    = "delivered"
	FieldConnections  = "connections"
)
