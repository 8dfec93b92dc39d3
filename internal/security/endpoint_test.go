package security

import "testing"

func TestValidateBaseURL(t *testing.T) {
	tests := []struct {
		in string
		ok bool
	}{
		{in: "http://127.0.0.1:18080", ok: true},
		{in: "https://cc.example.com", ok: true},
		{in: "https://cc.example.com/", ok: true},
		{in: " http://10.0.0.5:18080 ", ok: true},
		{in: "ws://127.0.0.1:18080", ok: false},
		{in: "http://", ok: false},
		{in: "http://host:0", ok: false},
		{in: "http://host:70000", ok: false},
		{in: "http://host/api", ok: false},
		{in: "not a url", ok: false},
	}
	for _, tc := range tests {
		err := ValidateBaseURL(tc.in)
		if tc.ok && err != nil {
			t.Fatalf("ValidateBaseURL(%q) unexpected error: %v", tc.in, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("ValidateBaseURL(%q) expected error", tc.in)
		}
	}
}

func TestConnectionPolicy(t *testing.T) {
	tests := []struct {
		name         string
		baseURL      string
		denyLoopback bool
		wantAllowed  bool
	}{
		{name: "loopback allowed by default", baseURL: "http://127.0.0.1:18080", wantAllowed: true},
		{name: "localhost denied", baseURL: "http://localhost:18080", denyLoopback: true},
		{name: "ipv6 loopback denied", baseURL: "http://[::1]:18080", denyLoopback: true},
		{name: "127/8 denied", baseURL: "http://127.0.0.2:18080", denyLoopback: true},
		{name: "lan address allowed", baseURL: "http://192.168.1.20:18080", denyLoopback: true, wantAllowed: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			allowed, hint := ConnectionPolicy(tc.baseURL, tc.denyLoopback)
			if allowed != tc.wantAllowed {
				t.Fatalf("allowed=%v want %v", allowed, tc.wantAllowed)
			}
			if allowed && hint != "" {
				t.Fatalf("allowed policy should not carry a hint, got %q", hint)
			}
			if !allowed && hint != LoopbackHint {
				t.Fatalf("blocked policy hint=%q", hint)
			}
		})
	}
}
