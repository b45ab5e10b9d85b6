package analyzer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saturnino-fabrica-de-software/vigia/internal/domain"
)

func testRequest() *Request {
	now := time.Now()
	return NewDetectionRequest(domain.Detection{
		CameraID:   "driveway",
		ObjectType: "person",
		Confidence: 0.95,
		DetectedAt: now,
	})
}

func TestClient_Analyze(t *testing.T) {
	tests := []struct {
		name           string
		serverResponse interface{}
		serverStatus   int
		wantErr        bool
		wantErrIs      error
		wantErrContain string
		validate       func(*testing.T, *Assessment)
	}{
		{
			name:           "score with explicit level",
			serverResponse: Assessment{RiskScore: 40, RiskLevel: domain.RiskCritical, Summary: "s", Reasoning: "r"},
			serverStatus:   http.StatusOK,
			validate: func(t *testing.T, a *Assessment) {
				assert.Equal(t, 40, a.RiskScore)
				assert.Equal(t, domain.RiskCritical, a.RiskLevel)
				assert.Equal(t, "s", a.Summary)
			},
		},
		{
			name:           "level derived and score clamped",
			serverResponse: map[string]interface{}{"risk_score": 130, "summary": "x"},
			serverStatus:   http.StatusOK,
			validate: func(t *testing.T, a *Assessment) {
				assert.Equal(t, 100, a.RiskScore)
				assert.Equal(t, domain.RiskCritical, a.RiskLevel)
			},
		},
		{
			name:           "server error is unavailable",
			serverResponse: map[string]string{"error": "boom"},
			serverStatus:   http.StatusInternalServerError,
			wantErr:        true,
			wantErrIs:      ErrAnalyzerUnavailable,
			wantErrContain: "status 500",
		},
		{
			name:           "bad request is not retried",
			serverResponse: map[string]string{"error": "bad detections"},
			serverStatus:   http.StatusBadRequest,
			wantErr:        true,
			wantErrContain: "status 400",
		},
		{
			name:           "invalid json",
			serverResponse: "not json",
			serverStatus:   http.StatusOK,
			wantErr:        true,
			wantErrIs:      ErrInvalidResponse,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/analyze", r.URL.Path)
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

				var req Request
				require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				assert.Equal(t, "driveway", req.CameraID)
				assert.Len(t, req.Detections, 1)

				w.WriteHeader(tt.serverStatus)
				if str, ok := tt.serverResponse.(string); ok {
					_, _ = w.Write([]byte(str))
				} else {
					_ = json.NewEncoder(w).Encode(tt.serverResponse)
				}
			}))
			defer server.Close()

			config := DefaultConfig()
			config.BaseURL = server.URL
			config.RetryCount = 0

			got, err := NewClient(config).Analyze(context.Background(), testRequest())

			if tt.wantErr {
				require.Error(t, err)
				if tt.wantErrIs != nil {
					assert.ErrorIs(t, err, tt.wantErrIs)
				}
				if tt.wantErrContain != "" {
					assert.Contains(t, err.Error(), tt.wantErrContain)
				}
				return
			}

			require.NoError(t, err)
			tt.validate(t, got)
		})
	}
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(Assessment{RiskScore: 70})
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, Timeout: time.Second, RetryCount: 2, BackoffBase: time.Millisecond})
	got, err := client.Analyze(context.Background(), testRequest())

	require.NoError(t, err)
	assert.Equal(t, 70, got.RiskScore)
	assert.Equal(t, domain.RiskHigh, got.RiskLevel)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, Timeout: time.Second, RetryCount: 3, BackoffBase: time.Millisecond})
	_, err := client.Analyze(context.Background(), testRequest())

	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAnalyzerUnavailable)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_GivesUpWhenContextEnds(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	client := NewClient(Config{BaseURL: server.URL, Timeout: time.Second, RetryCount: 5, BackoffBase: time.Second})
	_, err := client.Analyze(ctx, testRequest())

	assert.ErrorIs(t, err, ErrAnalyzerUnavailable)
}

func TestClient_RetriesHangingAnalyzerWithinBudget(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	budget := 600 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	client := NewClient(Config{BaseURL: server.URL, Timeout: budget, RetryCount: 2})
	start := time.Now()
	_, err := client.Analyze(ctx, testRequest())

	assert.ErrorIs(t, err, ErrAnalyzerUnavailable)
	assert.Equal(t, int32(3), calls.Load(), "every attempt gets its own slice of the budget")
	assert.Less(t, time.Since(start), time.Second)
}

func TestClient_RecoversAfterHangingAttempt(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		_ = json.NewEncoder(w).Encode(Assessment{RiskScore: 90})
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, Timeout: 600 * time.Millisecond, RetryCount: 2})
	got, err := client.Analyze(context.Background(), testRequest())

	require.NoError(t, err)
	assert.Equal(t, 90, got.RiskScore)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_AttemptTimeout(t *testing.T) {
	c := NewClient(Config{RetryCount: 2, AttemptTimeout: 5 * time.Second})

	assert.Equal(t, 5*time.Second, c.attemptTimeout(context.Background(), 0, time.Second), "no deadline uses the cap")

	ctx, cancel := context.WithTimeout(context.Background(), 9*time.Second)
	defer cancel()
	got := c.attemptTimeout(ctx, 0, time.Second)
	assert.InDelta(t, float64(2*time.Second), float64(got), float64(100*time.Millisecond), "9s minus 3s of waits over 3 attempts")
}

func TestScaleBackoff(t *testing.T) {
	assert.Equal(t, time.Second, scaleBackoff(time.Second, 2, time.Minute))
	assert.Equal(t, 25*time.Millisecond, scaleBackoff(time.Second, 2, 300*time.Millisecond))
	assert.Equal(t, time.Millisecond, scaleBackoff(time.Second, 5, 10*time.Millisecond))
	assert.Equal(t, time.Second, scaleBackoff(time.Second, 0, time.Millisecond))
}

func TestClient_RejectsEmptyRequest(t *testing.T) {
	_, err := NewClient(DefaultConfig()).Analyze(context.Background(), &Request{CameraID: "x"})
	assert.ErrorIs(t, err, ErrEmptyRequest)
}

func TestClient_Backoff(t *testing.T) {
	c := NewClient(Config{BackoffBase: time.Second})

	assert.Equal(t, time.Second, c.backoff(1))
	assert.Equal(t, 2*time.Second, c.backoff(2))
	assert.Equal(t, 4*time.Second, c.backoff(3))
	assert.Equal(t, maxBackoff, c.backoff(10))
}
