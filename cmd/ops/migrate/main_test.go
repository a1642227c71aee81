package main

import (
	"flag"
	"io"
	"strings"
	"testing"
	"time"
)

func TestParseFlags(t *testing.T) {
	env := map[string]string{"DATABASE_URL": "postgres://env@localhost/app"}
	noEnv := func(string) string { return "" }

	tests := []struct {
		name    string
		args    []string
		getenv  func(string) string
		wantURL string
		wantErr string
	}{
		{"flag wins", []string{"--database-url=postgres://flag@localhost/app"},
			func(k string) string { return env[k] }, "postgres://flag@localhost/app", ""},
		{"env fallback", nil, func(k string) string { return env[k] }, "postgres://env@localhost/app", ""},
		{"missing url", nil, noEnv, "", "required"},
		{"bad timeout", []string{"--database-url=postgres://x", "--timeout=0s"}, noEnv, "", "positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
			fs.SetOutput(io.Discard)

			got, err := parseFlags(fs, tt.args, tt.getenv)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.databaseURL != tt.wantURL {
				t.Errorf("url = %q, want %q", got.databaseURL, tt.wantURL)
			}
			if got.timeout != 30*time.Second {
				t.Errorf("timeout = %s", got.timeout)
			}
		})
	}
}
