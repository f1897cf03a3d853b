package config

import "testing"

func TestParseBackend(t *testing.T) {
	cases := []struct {
		in      string
		wantErr bool
		host    string
		port    uint16
	}{
		{"10.0.0.1:8080", false, "10.0.0.1", 8080},
		{"  backend.internal:443  ", false, "backend.internal", 443},
		{"no-port-here", true, "", 0},
	}

	for _, tc := range cases {
		got, err := ParseBackend(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseBackend(%q): expected error, got none", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseBackend(%q): unexpected error: %v", tc.in, err)
		}
		if got.Host != tc.host || got.Port != tc.port {
			t.Errorf("ParseBackend(%q) = %+v, want host=%s port=%d", tc.in, got, tc.host, tc.port)
		}
	}
}

func TestDefaultMatchesSpec(t *testing.T) {
	cfg := Default()
	if cfg.Port != 80 {
		t.Errorf("Port default = %d, want 80", cfg.Port)
	}
	if cfg.Threshold != 5 {
		t.Errorf("Threshold default = %d, want 5", cfg.Threshold)
	}
	if cfg.MaxAllowedRequests != 6 {
		t.Errorf("MaxAllowedRequests default = %d, want 6", cfg.MaxAllowedRequests)
	}
	if cfg.HashSize != 521 {
		t.Errorf("HashSize default = %d, want 521", cfg.HashSize)
	}
}
