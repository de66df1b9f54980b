package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusPredicates(t *testing.T) {
	tests := []struct {
		status    Status
		healthy   bool
		degraded  bool
		unhealthy bool
	}{
		{NewHealthy("supervisor", "open"), true, false, false},
		{NewDegraded("supervisor", "reconnecting"), false, true, false},
		{NewUnhealthy("supervisor", "stopped"), false, false, true},
		{Status{Status: "unknown"}, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.status.Status, func(t *testing.T) {
			assert.Equal(t, tt.healthy, tt.status.IsHealthy())
			assert.Equal(t, tt.degraded, tt.status.IsDegraded())
			assert.Equal(t, tt.unhealthy, tt.status.IsUnhealthy())
		})
	}

	assert.True(t, NewHealthy("a", "b").Healthy)
	assert.False(t, NewDegraded("a", "b").Healthy)
}

func TestWithSubStatus_SliceIsolation(t *testing.T) {
	base := NewHealthy("wsfeed", "ok")
	base.SubStatuses = make([]Status, 1, 4)
	base.SubStatuses[0] = NewHealthy("supervisor", "open")

	a := base.WithSubStatus(NewHealthy("nats", "connected"))
	b := base.WithSubStatus(NewUnhealthy("nats", "disconnected"))

	require.Len(t, a.SubStatuses, 2)
	require.Len(t, b.SubStatuses, 2)
	assert.Equal(t, StatusHealthy, a.SubStatuses[1].Status, "sibling copies must not share backing arrays")
	assert.Len(t, base.SubStatuses, 1)
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name        string
		subStatuses []Status
		wantStatus  string
		wantMessage string
	}{
		{"empty", nil, StatusHealthy, "No sub-components to aggregate"},
		{
			"all healthy",
			[]Status{{Status: StatusHealthy, Component: "a"}, {Status: StatusHealthy, Component: "b"}},
			StatusHealthy, "All sub-components are healthy",
		},
		{
			"one degraded",
			[]Status{{Status: StatusHealthy, Component: "a"}, {Status: StatusDegraded, Component: "b"}},
			StatusDegraded, "One or more sub-components are degraded",
		},
		{
			"unhealthy wins",
			[]Status{{Status: StatusDegraded, Component: "a"}, {Status: StatusUnhealthy, Component: "b"}},
			StatusUnhealthy, "One or more sub-components are unhealthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Aggregate("wsfeed", tt.subStatuses)
			assert.Equal(t, "wsfeed", result.Component)
			assert.Equal(t, tt.wantStatus, result.Status)
			assert.Equal(t, tt.wantMessage, result.Message)
			assert.Len(t, result.SubStatuses, len(tt.subStatuses))
		})
	}
}

func TestAggregate_DoesNotModifyInput(t *testing.T) {
	input := []Status{{Status: StatusHealthy, Component: "a"}}
	result := Aggregate("wsfeed", input)
	result.SubStatuses[0].Component = "changed"
	assert.Equal(t, "a", input[0].Component)
}

func TestFromReport(t *testing.T) {
	tests := []struct {
		name        string
		report      Report
		wantStatus  string
		wantMessage string
	}{
		{
			name:        "open connection",
			report:      Report{Healthy: true, Detail: "connection open", Uptime: time.Hour},
			wantStatus:  StatusHealthy,
			wantMessage: "connection open",
		},
		{
			name:        "healthy ignores stale error",
			report:      Report{Healthy: true, LastError: "old failure"},
			wantStatus:  StatusHealthy,
			wantMessage: "Component healthy",
		},
		{
			name:        "reconnecting",
			report:      Report{Degraded: true, LastError: "dial wss://feed.example.com/x: connection refused", ErrorCount: 2},
			wantStatus:  StatusDegraded,
			wantMessage: "dial [URL] connection refused",
		},
		{
			name:        "stopped without detail",
			report:      Report{},
			wantStatus:  StatusUnhealthy,
			wantMessage: "Component unhealthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := FromReport("supervisor", tt.report)

			assert.Equal(t, "supervisor", result.Component)
			assert.Equal(t, tt.wantStatus, result.Status)
			assert.Equal(t, tt.wantMessage, result.Message)
			require.NotNil(t, result.Metrics)
			assert.Equal(t, tt.report.ErrorCount, result.Metrics.ErrorCount)
			assert.Equal(t, tt.report.Uptime, result.Metrics.Uptime)
			assert.False(t, result.Timestamp.IsZero())
		})
	}
}

func TestSanitizeErrorMessage(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"empty string", "", ""},
		{"Unix file path", "failed to open /etc/wsfeed/config.toml", "failed to open [PATH]"},
		{"Windows file path", "cannot read C:\\Users\\Admin\\wsfeed.toml", "cannot read [PATH]"},
		{"HTTP URL", "login failed at https://api.example.com/v1/login", "login failed at [URL]"},
		{"WebSocket URL", "dial wss://feed.example.com/stream failed", "dial [URL] failed"},
		{"NATS URL", "cannot connect to nats://localhost:4222", "cannot connect to [URL]"},
		{"IP address", "timeout connecting to 192.168.1.100", "timeout connecting to [IP]"},
		{"Port number", "failed to bind to :8080", "failed to bind to [PORT]"},
		{"Credentials", "auth failed with password:secretpass123", "auth failed with [REDACTED]"},
		{"Cookie", "rejected cookie=session-abc", "rejected [REDACTED]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeErrorMessage(tt.input))
		})
	}
}
