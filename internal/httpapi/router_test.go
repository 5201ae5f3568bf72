package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rmacedo/fieldsync/internal/auth"
)

func TestHealthz(t *testing.T) {
	s := &Server{}
	srv := httptest.NewServer(s.Routes(auth.JWTCfg{HS256Secret: "x"}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 500},
		{"abc", 500},
		{"-5", 500},
		{"0", 500},
		{"250", 250},
		{"99999", 1000},
	}
	for _, tt := range tests {
		if got := parseLimit(tt.in, 500, 1000); got != tt.want {
			t.Errorf("parseLimit(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
