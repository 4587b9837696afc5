package rtc

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCheckAuthHeaderOrQuery(t *testing.T) {
	mk := func(target string, headers map[string]string) *http.Request {
		req := httptest.NewRequest("GET", target, nil)
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		return req
	}

	tests := []struct {
		name string
		r    *http.Request
		pwd  string
		want bool
	}{
		{"query password", mk("/call/ws?password=s3cret", nil), "s3cret", true},
		{"wrong query password", mk("/call/ws?password=nope", nil), "s3cret", false},
		{"bearer header", mk("/call/ws", map[string]string{"Authorization": "Bearer s3cret"}), "s3cret", true},
		{"x-auth-token", mk("/call/ws", map[string]string{"X-Auth-Token": "s3cret"}), "s3cret", true},
		{"no credentials", mk("/call/ws", nil), "s3cret", false},
		{"empty password never matches", mk("/call/ws", nil), "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := checkAuthHeaderOrQuery(tt.r, tt.pwd); got != tt.want {
				t.Fatalf("checkAuthHeaderOrQuery = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseICEServers(t *testing.T) {
	servers := parseICEServers(`[{"urls":["turn:turn.example.com:3478"],"username":"u","credential":"c"}]`)
	if len(servers) != 1 || servers[0].URLs[0] != "turn:turn.example.com:3478" {
		t.Fatalf("servers = %+v", servers)
	}

	servers = parseICEServers("")
	if len(servers) != 1 || servers[0].URLs[0] != "stun:stun.l.google.com:19302" {
		t.Fatalf("fallback servers = %+v", servers)
	}

	servers = parseICEServers("not json")
	if len(servers) != 1 || servers[0].URLs[0] != "stun:stun.l.google.com:19302" {
		t.Fatalf("garbage fallback = %+v", servers)
	}
}
