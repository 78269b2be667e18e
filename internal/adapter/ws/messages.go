// Package ws implements the push channel: a WebSocket endpoint delivering
// job status updates to subscribed clients. One manager goroutine owns the
// subscription table; per-connection reader and writer goroutines never touch
// shared state directly.
package ws

import (
	"encoding/json"
	"time"

	"github.com/clipforge/orchestrator/internal/domain"
)

// Client-to-server message types.
const (
	TypePing            = "ping"
	TypeSubscribeJob    = "subscribe_job"
	TypeStartConversion = "start_conversion"
)

// Server-to-client message types.
const (
	TypePong                = "pong"
	TypeConversionStarted   = "conversion_started"
	TypeProgressUpdate      = "progress_update"
	TypeJobStatus           = "job_status"
	TypeConversionCompleted = "conversion_completed"
	TypeConversionError     = "conversion_error"
	TypeRecoveryAttempt     = "recovery_attempt"
	TypeServerShutdown      = "server_shutdown"
	TypeError               = "error"
)

// Close codes beyond the RFC 6455 range.
const (
	CloseOriginForbidden = 4403
	CloseUnknownType     = 4400
)

// Envelope is the wire shape of every frame in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type subscribePayload struct {
	ID string `json:"id"`
}

type startConversionPayload struct {
	URL     string `json:"url"`
	Format  string `json:"format"`
	Quality string `json:"quality"`
}

type pingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// errorDetail mirrors the REST error shape.
type errorDetail struct {
	Type       string `json:"type"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
	Suggestion string `json:"suggestion,omitempty"`
}

func nowMillis() int64 { return time.Now().UnixMilli() }

func marshal(typ string, payload any) []byte {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	b, err := json.Marshal(Envelope{Type: typ, Payload: raw})
	if err != nil {
		return nil
	}
	return b
}

// pongMessage echoes the client timestamp and stamps the server time.
func pongMessage(clientTS int64) []byte {
	return marshal(TypePong, map[string]any{
		"clientTimestamp": clientTS,
		"timestamp":       nowMillis(),
	})
}

func errorMessage(msg string) []byte {
	return marshal(TypeError, map[string]any{
		"message":   msg,
		"timestamp": nowMillis(),
	})
}

func shutdownMessage() []byte {
	return marshal(TypeServerShutdown, map[string]any{
		"message":   "server shutting down",
		"timestamp": nowMillis(),
	})
}

func startedMessage(j domain.Job) []byte {
	return marshal(TypeConversionStarted, map[string]any{
		"jobId":     j.ID,
		"status":    j.Status,
		"timestamp": nowMillis(),
	})
}

func recoveryMessage(j domain.Job, attempt int) []byte {
	return marshal(TypeRecoveryAttempt, map[string]any{
		"jobId":     j.ID,
		"attempt":   attempt,
		"timestamp": nowMillis(),
	})
}

// jobMessage renders the appropriate server message for a job's current
// state: snapshot on subscribe, progress while running, completed/error at
// terminal.
func jobMessage(typ string, j domain.Job) []byte {
	payload := map[string]any{
		"jobId":     j.ID,
		"status":    j.Status,
		"progress":  j.Progress,
		"timestamp": nowMillis(),
	}
	if j.CurrentStep != "" {
		payload["currentStep"] = j.CurrentStep
	}
	if j.Metadata != nil {
		payload["metadata"] = j.Metadata
	}
	switch typ {
	case TypeConversionCompleted, TypeJobStatus:
		if j.Status == domain.JobCompleted {
			payload["downloadUrl"] = j.DownloadURL
			payload["filename"] = j.Filename()
		}
	}
	if j.Error != nil && j.Status == domain.JobFailed {
		payload["error"] = errorDetail{
			Type:       string(j.Error.Kind),
			Message:    j.Error.Message,
			Retryable:  j.Error.Retryable,
			Suggestion: j.Error.Suggestion,
		}
	}
	return marshal(typ, payload)
}

// messageTypeFor picks the push message type for a job update.
func messageTypeFor(j domain.Job) string {
	switch j.Status {
	case domain.JobCompleted:
		return TypeConversionCompleted
	case domain.JobFailed:
		return TypeConversionError
	default:
		return TypeProgressUpdate
	}
}
