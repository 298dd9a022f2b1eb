package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if attemptsTotal == nil || denialsTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSecs == nil ||
		jobsTotal == nil || queueDepth == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveAttempt(t *testing.T) {
	Init()

	before := testutil.ToFloat64(attemptsTotal.WithLabelValues("http", "success"))
	ObserveAttempt("http", true)
	after := testutil.ToFloat64(attemptsTotal.WithLabelValues("http", "success"))
	if after != before+1 {
		t.Errorf("expected success counter to advance by 1, got %f -> %f", before, after)
	}

	before = testutil.ToFloat64(attemptsTotal.WithLabelValues("unknown", "failure"))
	ObserveAttempt("", false)
	after = testutil.ToFloat64(attemptsTotal.WithLabelValues("unknown", "failure"))
	if after != before+1 {
		t.Errorf("expected empty engine to count as unknown, got %f -> %f", before, after)
	}
}

func TestQueueDepthGauge(t *testing.T) {
	Init()

	SetQueueDepth(7)
	if got := testutil.ToFloat64(queueDepth); got != 7 {
		t.Errorf("expected queue depth 7, got %f", got)
	}
	SetQueueDepth(0)
	if got := testutil.ToFloat64(queueDepth); got != 0 {
		t.Errorf("expected queue depth 0, got %f", got)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
