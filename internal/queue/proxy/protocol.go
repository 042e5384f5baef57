package proxy

// Operation names. Each maps to POST /v1/messages/{op}.
const (
	OpSend        = "send"
	OpReceive     = "receive"
	OpAcknowledge = "acknowledge"
	OpReject      = "reject"
	OpRecover     = "recover"
	OpAvailable   = "available"
	OpClear       = "clear"
	OpPeek        = "peek"
)

// MessagesPath is the route prefix of the proxy service.
const MessagesPath = "/v1/messages/"

// TimeoutComment is the comment of a receive that expired without a message.
const TimeoutComment = "timeout"

// Request is the body of every proxy call.
type Request struct {
	ServiceName string `json:"serviceName"`
	QueueName   string `json:"queueName"`
	Message     []byte `json:"message,omitempty"`
	TimeoutMs   int64  `json:"timeout,omitempty"`
	AutoAck     *bool  `json:"autoAck,omitempty"`
	DeliveryTag uint64 `json:"deliveryTag,omitempty"`
	// Tier routes acknowledge and reject to the tier that issued the tag.
	Tier  string `json:"tier,omitempty"`
	Count int    `json:"count,omitempty"`
}

// Response is the body of every proxy reply.
type Response struct {
	Success bool   `json:"success"`
	Comment string `json:"comment,omitempty"`
	// Service carries the primary broker URL when the primary served the call.
	Service     string   `json:"service,omitempty"`
	Message     []byte   `json:"message"`
	DeliveryTag uint64   `json:"deliveryTag,omitempty"`
	Tier        string   `json:"tier,omitempty"`
	Available   *int64   `json:"available,omitempty"`
	Messages    [][]byte `json:"messages,omitempty"`
}
