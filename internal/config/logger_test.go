package config

import (
	"testing"

	"github.com/spf13/viper"
)

func TestNewLogger_Defaults(t *testing.T) {
	cfg := New("keybunker.json")
	logger, err := cfg.NewLogger(Settings())
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestNewLogger_DebugLevel(t *testing.T) {
	cfg := New("keybunker.json")
	v := viper.New()
	v.Set("log.level", "debug")
	v.Set("log.format", "json")

	logger, err := cfg.NewLogger(v)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestNewLogger_VerboseOverride(t *testing.T) {
	cfg := New("keybunker.json")
	cfg.Verbose = true
	v := viper.New()
	v.Set("log.level", "banana")
	v.Set("log.format", "xml")

	// verbose forces console/debug, masking the invalid overlay values
	logger, err := cfg.NewLogger(v)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestNewLogger_InvalidLevel(t *testing.T) {
	cfg := New("keybunker.json")
	v := viper.New()
	v.Set("log.level", "banana")
	v.Set("log.format", "json")

	if _, err := cfg.NewLogger(v); err == nil {
		t.Fatal("expected error for invalid level")
	}
}

func TestNewLogger_InvalidFormat(t *testing.T) {
	cfg := New("keybunker.json")
	v := viper.New()
	v.Set("log.level", "info")
	v.Set("log.format", "xml")

	if _, err := cfg.NewLogger(v); err == nil {
		t.Fatal("expected error for invalid format")
	}
}
