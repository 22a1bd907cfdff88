package config

import (
	"os"
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	tests := []struct {
		name       string
		key        string
		defaultVal string
		envValue   string
		want       string
	}{
		{"environment variable exists", "TEST_KEY_EXISTS", "default", "custom_value", "custom_value"},
		{"environment variable does not exist", "TEST_KEY_NOT_EXISTS", "default_value", "", "default_value"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				os.Setenv(tt.key, tt.envValue)
				defer os.Unsetenv(tt.key)
			}
			if got := getEnv(tt.key, tt.defaultVal); got != tt.want {
				t.Errorf("getEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvAsInt(t *testing.T) {
	tests := []struct {
		name       string
		envValue   string
		defaultVal int
		want       int
	}{
		{"valid integer", "42", 0, 42},
		{"invalid integer", "not_a_number", 10, 10},
		{"empty value", "", 5, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := "TEST_INT_" + tt.name
			if tt.envValue != "" {
				os.Setenv(key, tt.envValue)
				defer os.Unsetenv(key)
			}
			if got := getEnvAsInt(key, tt.defaultVal); got != tt.want {
				t.Errorf("getEnvAsInt() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvAsDuration(t *testing.T) {
	os.Setenv("TEST_MS", "250")
	defer os.Unsetenv("TEST_MS")

	got := getEnvAsDuration("TEST_MS", time.Second)
	want := 250 * time.Millisecond
	if got != want {
		t.Errorf("getEnvAsDuration() = %v, want %v", got, want)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	if cfg.ListenPort != 3000 {
		t.Errorf("ListenPort default = %v, want 3000", cfg.ListenPort)
	}
	if cfg.MaxCrash != 120.00 {
		t.Errorf("MaxCrash default = %v, want 120.00", cfg.MaxCrash)
	}
	if cfg.Tick != 100*time.Millisecond {
		t.Errorf("Tick default = %v, want 100ms", cfg.Tick)
	}
	if cfg.BettingWindow != 3*time.Second {
		t.Errorf("BettingWindow default = %v, want 3s", cfg.BettingWindow)
	}
}

func TestConfig_DSN(t *testing.T) {
	cfg := Config{
		DBUser: "u", DBPassword: "p", DBHost: "h", DBPort: "5432",
		DBName: "d", DBSchema: "public",
	}
	want := "postgres://u:p@h:5432/d?sslmode=disable&search_path=public"
	if got := cfg.DSN(); got != want {
		t.Errorf("DSN() = %v, want %v", got, want)
	}
}
