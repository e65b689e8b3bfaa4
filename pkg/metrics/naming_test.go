package metrics

import "testing"

func TestMetricName(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "adds prefix", input: "requests_total", expected: "pubkeep_requests_total"},
		{name: "keeps prefixed", input: "pubkeep_custom_metric", expected: "pubkeep_custom_metric"},
		{name: "blank returns prefix", input: "", expected: "pubkeep_"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := MetricName(tt.input); got != tt.expected {
				t.Fatalf("MetricName(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestMetricNameWithSubsystem(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		subsystem  string
		metricName string
		expected   string
	}{
		{
			name:       "subsystem and name",
			subsystem:  "webhook",
			metricName: "deliveries_total",
			expected:   "pubkeep_webhook_deliveries_total",
		},
		{
			name:       "subsystem trims underscore",
			subsystem:  "_publish_",
			metricName: "sessions_total",
			expected:   "pubkeep_publish_sessions_total",
		},
		{name: "empty name", subsystem: "upstream", metricName: "", expected: "pubkeep_upstream"},
		{
			name:       "already prefixed",
			subsystem:  "",
			metricName: "pubkeep_existing_metric",
			expected:   "pubkeep_existing_metric",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := MetricNameWithSubsystem(tt.subsystem, tt.metricName); got != tt.expected {
				t.Fatalf("MetricNameWithSubsystem(%q, %q) = %q, want %q", tt.subsystem, tt.metricName, got, tt.expected)
			}
		})
	}
}
