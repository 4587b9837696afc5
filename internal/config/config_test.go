package config

import (
	"os"
	"testing"
)

func TestLoad_DefaultsAndEnv(t *testing.T) {
	os.Setenv("HTTP_ADDRESS", "")
	os.Setenv("ICE_SERVERS_JSON", "")
	os.Setenv("OPENAI_MODEL", "")
	os.Setenv("REMINDER_POLL_SPEC", "")
	cfg := Load()
	if cfg.HTTPAddress == "" {
		t.Fatalf("expected default http address")
	}
	if cfg.ICEServersJSON == "" {
		t.Fatalf("expected default ice servers json")
	}
	if cfg.OpenAIModel == "" {
		t.Fatalf("expected default openai model")
	}
	if cfg.ReminderPollSpec == "" {
		t.Fatalf("expected default reminder poll spec")
	}
}

func TestLoad_EnvOverridesDefault(t *testing.T) {
	os.Setenv("DEEPGRAM_STT_MODEL", "nova-3")
	defer os.Unsetenv("DEEPGRAM_STT_MODEL")
	cfg := Load()
	if cfg.DeepgramSTTModel != "nova-3" {
		t.Fatalf("DeepgramSTTModel = %q", cfg.DeepgramSTTModel)
	}
}
