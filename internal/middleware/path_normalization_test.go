package middleware

import "testing"

// TestNormalizePath verifies route templating keeps metric label cardinality
// bounded while leaving static routes untouched.
func TestNormalizePath(t *testing.T) {
	tests := []struct {
		name string
		path string
		want string
	}{
		{name: "root", path: "/", want: "/"},
		{name: "events collection", path: "/v1/audit/events", want: "/v1/audit/events"},
		{name: "verify", path: "/v1/audit/verify", want: "/v1/audit/verify"},
		{name: "export", path: "/v1/audit/export", want: "/v1/audit/export"},
		{name: "feed", path: "/v1/audit/feed", want: "/v1/audit/feed"},
		{name: "health", path: "/health", want: "/health"},
		{name: "ready", path: "/ready", want: "/ready"},
		{name: "metrics", path: "/metrics", want: "/metrics"},
		{
			name: "event by numeric id",
			path: "/v1/audit/events/123",
			want: "/v1/audit/events/{id}",
		},
		{
			name: "event by uuid",
			path: "/v1/audit/events/a1b2c3d4-e5f6-7890-abcd-ef1234567890",
			want: "/v1/audit/events/{id}",
		},
		{
			name: "event trailing slash is not an id",
			path: "/v1/audit/events/",
			want: "/v1/audit/events/",
		},
		{
			name: "nested path under events passes through",
			path: "/v1/audit/events/abc/extra",
			want: "/v1/audit/events/abc/extra",
		},
		{
			name: "unknown route passes through",
			path: "/unknown/route",
			want: "/unknown/route",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := normalizePath(tt.path); got != tt.want {
				t.Errorf("normalizePath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}
