package docs

import (
	"github.com/go-swagno/swagno"
	"github.com/go-swagno/swagno/components/endpoint"
	"github.com/go-swagno/swagno/components/http/response"
	"github.com/go-swagno/swagno/components/mime"
	"github.com/go-swagno/swagno/components/parameter"
)

// EventResponse is a scored security event
type EventResponse struct {
	ID             string   `json:"id" example:"550e8400-e29b-41d4-a716-446655440000"`
	CameraID       string   `json:"camera_id" example:"cam-entrance-01"`
	BatchID        string   `json:"batch_id" example:"6ba7b810-9dad-11d1-80b4-00c04fd430c8"`
	RiskScore      int      `json:"risk_score" example:"72"`
	RiskLevel      string   `json:"risk_level" example:"high"`
	Summary        string   `json:"summary" example:"Two people near the loading dock after hours"`
	Reasoning      string   `json:"reasoning" example:"person detected 4 times outside business hours"`
	ObjectTypes    []string `json:"object_types" example:"person"`
	DetectionCount int      `json:"detection_count" example:"4"`
	StartedAt      string   `json:"started_at" example:"2026-03-04T02:10:00Z"`
	EndedAt        string   `json:"ended_at" example:"2026-03-04T02:10:05Z"`
	Degraded       bool     `json:"degraded" example:"false"`
	FastPath       bool     `json:"fast_path" example:"false"`
	CreatedAt      string   `json:"created_at" example:"2026-03-04T02:10:06Z"`
}

type EventListResponse struct {
	Events []EventResponse `json:"events"`
	Count  int             `json:"count" example:"1"`
}

// AlertResponse is an operator-facing alert raised from an event
type AlertResponse struct {
	ID             string `json:"id" example:"9b2f6c1e-3a44-4e0a-8d0e-6c2f1b7d9a10"`
	EventID        string `json:"event_id" example:"550e8400-e29b-41d4-a716-446655440000"`
	CameraID       string `json:"camera_id" example:"cam-entrance-01"`
	Severity       string `json:"severity" example:"critical"`
	Status         string `json:"status" example:"acknowledged"`
	Notes          string `json:"notes,omitempty" example:"guard dispatched"`
	AcknowledgedAt string `json:"acknowledged_at,omitempty" example:"2026-03-04T02:11:00Z"`
	ResolvedAt     string `json:"resolved_at,omitempty" example:"2026-03-04T02:20:00Z"`
	CreatedAt      string `json:"created_at" example:"2026-03-04T02:10:06Z"`
	UpdatedAt      string `json:"updated_at" example:"2026-03-04T02:20:00Z"`
}

type AlertListResponse struct {
	Alerts []AlertResponse `json:"alerts"`
	Count  int             `json:"count" example:"1"`
}

// ChannelStatus is the state of one stream channel on a replica
type ChannelStatus struct {
	Channel         string `json:"channel" example:"events"`
	Connections     int    `json:"connections" example:"12"`
	CurrentSequence int64  `json:"current_sequence" example:"4821"`
	Accepted        int64  `json:"accepted" example:"40"`
	Rejected        int64  `json:"rejected" example:"2"`
	Evicted         int64  `json:"evicted" example:"0"`
}

type PublisherStatus struct {
	Published uint64 `json:"published" example:"9120"`
	Failed    uint64 `json:"failed" example:"0"`
}

type StreamStatusResponse struct {
	ReplicaID   string          `json:"replica_id" example:"vigia-1"`
	Connections int             `json:"connections" example:"13"`
	Channels    []ChannelStatus `json:"channels"`
	Publisher   PublisherStatus `json:"publisher"`
}

type HealthResponse struct {
	Status  string            `json:"status" example:"ok"`
	Version string            `json:"version" example:"0.1.0"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// ErrorBody is the payload of every error response
type ErrorBody struct {
	Code      string `json:"code" example:"VALIDATION_FAILED"`
	Message   string `json:"message" example:"Request validation failed"`
	RequestID string `json:"request_id,omitempty" example:"3f1c2a9e-8d1b-4c55-9d1e-2b7f4a0c6e11"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// EmptyResponse represents no content response (204)
type EmptyResponse struct{}

func errorResponse(code, message, status, description string) response.Response {
	return response.New(ErrorResponse{Error: ErrorBody{Code: code, Message: message}}, status, description)
}

var (
	errUnauthorized = errorResponse("UNAUTHORIZED", "Invalid or missing credentials", "401", "Unauthorized")
	errRateLimited  = errorResponse("RATE_LIMIT_EXCEEDED", "Rate limit exceeded, please try again later", "429", "Too Many Requests")
	errInternal     = errorResponse("INTERNAL_ERROR", "An unexpected error occurred", "500", "Internal Server Error")
	errNoStorage    = errorResponse("STORAGE_DISABLED", "Persistent storage is not configured", "503", "Service Unavailable")
	errBadID        = errorResponse("VALIDATION_FAILED", "id must be a UUID", "422", "Unprocessable Entity")
	errNoAlert      = errorResponse("ALERT_NOT_FOUND", "Alert not found", "404", "Not Found")
)

var security = []map[string][]string{{"ApiKeyAuth": {}}}

func alertTransition(path, summary, description string) *endpoint.EndPoint {
	return endpoint.New(
		endpoint.POST,
		"/alerts/{id}/"+path,
		endpoint.WithTags("Alerts"),
		endpoint.WithSummary(summary),
		endpoint.WithDescription(description+` Accepts an optional JSON body {"notes": "..."}.`),
		endpoint.WithConsume([]mime.MIME{mime.JSON}),
		endpoint.WithProduce([]mime.MIME{mime.JSON}),
		endpoint.WithParams(
			parameter.StrParam("id", parameter.Path, parameter.WithDescription("Alert ID")),
		),
		endpoint.WithSuccessfulReturns([]response.Response{
			response.New(AlertResponse{}, "200", "Alert updated"),
		}),
		endpoint.WithErrors([]response.Response{
			errUnauthorized,
			errNoAlert,
			errorResponse("INVALID_ALERT_TRANSITION", "Alert cannot move to the requested status", "409", "Conflict"),
			errBadID,
			errRateLimited,
			errNoStorage,
		}),
		endpoint.WithSecurity(security),
	)
}

// NewSwagger creates and configures the Swagger documentation
func NewSwagger() *swagno.Swagger {
	sw := swagno.New(swagno.Config{
		Title:       "Vigia Security Events API",
		Version:     "v1.0.0",
		Description: "Scored security events, alerts and live event streams. Streams are served as websockets at /v1/ws/events, /v1/ws/system and /v1/ws/jobs/{id}.",
		Host:        "localhost:3000",
		Path:        "/v1",
	})

	endpoints := []*endpoint.EndPoint{
		// GET /v1/events
		endpoint.New(
			endpoint.GET,
			"/events",
			endpoint.WithTags("Events"),
			endpoint.WithSummary("List events in a time range"),
			endpoint.WithDescription("Authoritative event history. Clients use it to fill gaps after a stream resync. Defaults to the last hour; ranges are limited to 7 days."),
			endpoint.WithProduce([]mime.MIME{mime.JSON}),
			endpoint.WithParams(
				parameter.StrParam("start", parameter.Query, parameter.WithDescription("RFC3339 start (inclusive)")),
				parameter.StrParam("end", parameter.Query, parameter.WithDescription("RFC3339 end (exclusive)")),
				parameter.StrParam("camera_id", parameter.Query, parameter.WithDescription("Only events of this camera")),
				parameter.IntParam("limit", parameter.Query, parameter.WithDescription("Maximum events (default 100, max 1000)")),
			),
			endpoint.WithSuccessfulReturns([]response.Response{
				response.New(EventListResponse{}, "200", "Events in ascending time order"),
			}),
			endpoint.WithErrors([]response.Response{
				errUnauthorized,
				errorResponse("INVALID_TIME_RANGE", "start and end must be RFC3339 timestamps with start before end", "422", "Unprocessable Entity"),
				errRateLimited,
				errInternal,
				errNoStorage,
			}),
			endpoint.WithSecurity(security),
		),

		// GET /v1/events/{id}
		endpoint.New(
			endpoint.GET,
			"/events/{id}",
			endpoint.WithTags("Events"),
			endpoint.WithSummary("Get an event"),
			endpoint.WithProduce([]mime.MIME{mime.JSON}),
			endpoint.WithParams(
				parameter.StrParam("id", parameter.Path, parameter.WithDescription("Event ID")),
			),
			endpoint.WithSuccessfulReturns([]response.Response{
				response.New(EventResponse{}, "200", "Event"),
			}),
			endpoint.WithErrors([]response.Response{
				errUnauthorized,
				errorResponse("EVENT_NOT_FOUND", "Event not found", "404", "Not Found"),
				errBadID,
				errNoStorage,
			}),
			endpoint.WithSecurity(security),
		),

		// GET /v1/alerts
		endpoint.New(
			endpoint.GET,
			"/alerts",
			endpoint.WithTags("Alerts"),
			endpoint.WithSummary("List alerts"),
			endpoint.WithProduce([]mime.MIME{mime.JSON}),
			endpoint.WithParams(
				parameter.StrParam("status", parameter.Query, parameter.WithDescription("open, acknowledged, resolved or dismissed")),
				parameter.IntParam("limit", parameter.Query, parameter.WithDescription("Maximum alerts (default 100)")),
			),
			endpoint.WithSuccessfulReturns([]response.Response{
				response.New(AlertListResponse{}, "200", "Alerts, newest first"),
			}),
			endpoint.WithErrors([]response.Response{
				errUnauthorized,
				errorResponse("VALIDATION_FAILED", "limit must be a positive integer", "422", "Unprocessable Entity"),
				errRateLimited,
				errNoStorage,
			}),
			endpoint.WithSecurity(security),
		),

		// GET /v1/alerts/{id}
		endpoint.New(
			endpoint.GET,
			"/alerts/{id}",
			endpoint.WithTags("Alerts"),
			endpoint.WithSummary("Get an alert"),
			endpoint.WithProduce([]mime.MIME{mime.JSON}),
			endpoint.WithParams(
				parameter.StrParam("id", parameter.Path, parameter.WithDescription("Alert ID")),
			),
			endpoint.WithSuccessfulReturns([]response.Response{
				response.New(AlertResponse{}, "200", "Alert"),
			}),
			endpoint.WithErrors([]response.Response{errUnauthorized, errNoAlert, errBadID}),
			endpoint.WithSecurity(security),
		),

		alertTransition("acknowledge", "Acknowledge an alert", "Moves an open alert to acknowledged."),
		alertTransition("resolve", "Resolve an alert", "Closes an open or acknowledged alert as resolved."),
		alertTransition("dismiss", "Dismiss an alert", "Closes an open or acknowledged alert as a false positive."),

		// PATCH /v1/alerts/{id}
		endpoint.New(
			endpoint.PATCH,
			"/alerts/{id}",
			endpoint.WithTags("Alerts"),
			endpoint.WithSummary("Update alert notes"),
			endpoint.WithDescription(`Body: {"notes": "..."}, at most 2000 characters.`),
			endpoint.WithConsume([]mime.MIME{mime.JSON}),
			endpoint.WithProduce([]mime.MIME{mime.JSON}),
			endpoint.WithParams(
				parameter.StrParam("id", parameter.Path, parameter.WithDescription("Alert ID")),
			),
			endpoint.WithSuccessfulReturns([]response.Response{
				response.New(AlertResponse{}, "200", "Alert updated"),
			}),
			endpoint.WithErrors([]response.Response{errUnauthorized, errNoAlert, errBadID}),
			endpoint.WithSecurity(security),
		),

		// DELETE /v1/alerts/{id}
		endpoint.New(
			endpoint.DELETE,
			"/alerts/{id}",
			endpoint.WithTags("Alerts"),
			endpoint.WithSummary("Delete an alert"),
			endpoint.WithParams(
				parameter.StrParam("id", parameter.Path, parameter.WithDescription("Alert ID")),
			),
			endpoint.WithSuccessfulReturns([]response.Response{
				response.New(EmptyResponse{}, "204", "Alert deleted"),
			}),
			endpoint.WithErrors([]response.Response{errUnauthorized, errNoAlert, errBadID}),
			endpoint.WithSecurity(security),
		),

		// GET /v1/stream/status
		endpoint.New(
			endpoint.GET,
			"/stream/status",
			endpoint.WithTags("Streams"),
			endpoint.WithSummary("Stream status of this replica"),
			endpoint.WithDescription("Connections and current sequence per channel, plus publisher counters."),
			endpoint.WithProduce([]mime.MIME{mime.JSON}),
			endpoint.WithSuccessfulReturns([]response.Response{
				response.New(StreamStatusResponse{}, "200", "Stream status"),
			}),
			endpoint.WithErrors([]response.Response{errUnauthorized}),
			endpoint.WithSecurity(security),
		),
	}

	sw.AddEndpoints(endpoints)

	return sw
}
