// Package wire defines the JSON message envelope exchanged over the gateway's
// WebSocket connections and the enumerated type/error/close code literals.
package wire

import "encoding/json"

// Type is the enumerated `type` field carried by every wire message.
type Type string

const (
	TypePing         Type = "ping"
	TypePong         Type = "pong"
	TypeChallenge    Type = "challenge"
	TypeAuthenticate Type = "authenticate"
	TypeAuthResult   Type = "auth_result"
	TypeError        Type = "error"
	TypeGenerate     Type = "generate"
	TypeModels       Type = "models"
	TypeModelsResult Type = "models_result"
	TypeStop         Type = "stop"
	TypeStreamStart  Type = "stream_start"
	TypeStreamToken  Type = "stream_token"
	TypeStreamEnd    Type = "stream_end"
	TypeAck          Type = "ack"
	TypeBatch        Type = "batch"
)

// ErrorCode is the enumerated `code` field of an `error` or `auth_result` message.
type ErrorCode string

const (
	ErrInvalidAuthentication ErrorCode = "invalid_authentication"
	ErrAuthenticationTimeout ErrorCode = "authentication_timeout"
	ErrRateLimited           ErrorCode = "rate_limited"
	ErrInvalidRequest        ErrorCode = "invalid_request"
	ErrMissingParameters     ErrorCode = "missing_parameters"
	ErrGenerationFailed      ErrorCode = "generation_failed"
	ErrServerError           ErrorCode = "server_error"
	ErrReconnectFailed       ErrorCode = "reconnect_failed"
	ErrConnectionTimeout     ErrorCode = "connection_timeout"
	ErrAuthChallengeTimeout  ErrorCode = "auth_challenge_timeout"
	ErrInvalidAuth           ErrorCode = "invalid_auth"
)

// CloseCode enumerates the WebSocket close codes this gateway sends.
type CloseCode uint16

const (
	CloseNormal       CloseCode = 1000
	ClosePolicy       CloseCode = 1008
	CloseServerError  CloseCode = 1011
	CloseAuthFailed   CloseCode = 4000
	CloseAuthTimeout  CloseCode = 4001
	CloseRateLimited  CloseCode = 4002
)

// Envelope is the outer shape every message shares: type, timestamp, and an
// optional correlation id. Payload fields beyond these three are type-specific
// and are marshaled/unmarshaled via the typed structs below, not through this
// struct directly.
type Envelope struct {
	Type      Type   `json:"type"`
	Timestamp int64  `json:"timestamp"`
	ID        string `json:"id,omitempty"`
}

// Raw is used to peek at the envelope before dispatching to a typed struct.
type Raw struct {
	Envelope
	Data json.RawMessage `json:"-"`
}

func ParseEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

type ChallengeMsg struct {
	Type      Type   `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Challenge string `json:"challenge"`
}

type AuthenticateMsg struct {
	Type      Type   `json:"type"`
	Timestamp int64  `json:"timestamp"`
	ClientID  string `json:"clientId"`
	Signature string `json:"signature"`
}

type AuthResultMsg struct {
	Type              Type      `json:"type"`
	Timestamp         int64     `json:"timestamp"`
	Success           bool      `json:"success"`
	Error             string    `json:"error,omitempty"`
	RetryAfter        int64     `json:"retryAfter,omitempty"`
	RemainingAttempts int       `json:"remainingAttempts,omitempty"`
}

type ErrorMsg struct {
	Type      Type      `json:"type"`
	Timestamp int64     `json:"timestamp"`
	ID        string    `json:"id,omitempty"`
	Error     string    `json:"error"`
	Code      ErrorCode `json:"code"`
	RequestID string    `json:"requestId,omitempty"`
}

type GenerateOptions struct {
	Temperature  *float64 `json:"temperature,omitempty"`
	TopP         *float64 `json:"topP,omitempty"`
	TopK         *int     `json:"topK,omitempty"`
	MaxTokens    *int     `json:"maxTokens,omitempty"`
	SystemPrompt string   `json:"systemPrompt,omitempty"`
}

type GenerateMsg struct {
	Type      Type             `json:"type"`
	Timestamp int64            `json:"timestamp"`
	ID        string           `json:"id"`
	Prompt    string           `json:"prompt"`
	Model     string           `json:"model,omitempty"`
	Options   *GenerateOptions `json:"options,omitempty"`
}

type ModelsMsg struct {
	Type      Type   `json:"type"`
	Timestamp int64  `json:"timestamp"`
	ID        string `json:"id"`
}

type Model struct {
	Name              string `json:"name"`
	Size              int64  `json:"size,omitempty"`
	ModifiedAt        string `json:"modified_at,omitempty"`
	QuantizationLevel string `json:"quantization_level,omitempty"`
}

type ModelsResultMsg struct {
	Type      Type    `json:"type"`
	Timestamp int64   `json:"timestamp"`
	ID        string  `json:"id"`
	Models    []Model `json:"models"`
	RequestID string  `json:"requestId,omitempty"`
}

type StopMsg struct {
	Type      Type   `json:"type"`
	Timestamp int64  `json:"timestamp"`
	ID        string `json:"id"`
	RequestID string `json:"requestId"`
}

type StreamStartMsg struct {
	Type      Type   `json:"type"`
	Timestamp int64  `json:"timestamp"`
	ID        string `json:"id"`
	Model     string `json:"model"`
	RequestID string `json:"requestId"`
}

type StreamTokenMsg struct {
	Type      Type   `json:"type"`
	Timestamp int64  `json:"timestamp"`
	ID        string `json:"id"`
	Token     string `json:"token"`
	RequestID string `json:"requestId"`
}

type StreamEndMsg struct {
	Type        Type  `json:"type"`
	Timestamp   int64 `json:"timestamp"`
	ID          string `json:"id"`
	RequestID   string `json:"requestId"`
	TotalTokens int   `json:"totalTokens,omitempty"`
	ElapsedTime int64 `json:"elapsedTime,omitempty"`
	IsCancelled bool  `json:"isCancelled,omitempty"`
}

type AckMsg struct {
	Type      Type   `json:"type"`
	Timestamp int64  `json:"timestamp"`
	ID        string `json:"id,omitempty"`
	RequestID string `json:"requestId"`
	Success   bool   `json:"success"`
	Action    string `json:"action,omitempty"`
	Message   string `json:"message,omitempty"`
}

type BatchMsg struct {
	Type      Type              `json:"type"`
	Timestamp int64             `json:"timestamp"`
	Messages  []json.RawMessage `json:"messages"`
}

type PingMsg struct {
	Type      Type   `json:"type"`
	Timestamp int64  `json:"timestamp"`
	ID        string `json:"id"`
}

type PongMsg struct {
	Type      Type   `json:"type"`
	Timestamp int64  `json:"timestamp"`
	ID        string `json:"id"`
}
