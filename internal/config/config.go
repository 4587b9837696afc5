package config

import (
	"log"
	"os"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress string
	// BaseURL is the public origin Twilio reaches us at (https://...).
	BaseURL string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
	RecordCalls      bool

	DeepgramAPIKey   string
	DeepgramSTTModel string
	DeepgramTTSModel string

	ElevenLabsKey     string
	ElevenLabsVoiceID string

	OpenAIKey      string
	OpenAIModel    string
	AnthropicKey   string
	AnthropicModel string
	GeminiKey      string
	GeminiModel    string

	DatabaseURL string

	SupabaseURL        string
	SupabaseServiceKey string
	SupabaseBucket     string

	ICEServersJSON string
	AuthPassword   string

	ReminderPollSpec string
}

// Load reads environment variables and returns Config with sane defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file loaded")
	}

	cfg := Config{
		HTTPAddress:        getEnv("HTTP_ADDRESS", ":8080"),
		BaseURL:            os.Getenv("BASE_URL"),
		TwilioAccountSID:   os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:    os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber:   os.Getenv("TWILIO_FROM_NUMBER"),
		RecordCalls:        os.Getenv("RECORD_CALLS") == "true",
		DeepgramAPIKey:     os.Getenv("DEEPGRAM_API_KEY"),
		DeepgramSTTModel:   getEnv("DEEPGRAM_STT_MODEL", "nova-2"),
		DeepgramTTSModel:   getEnv("DEEPGRAM_TTS_MODEL", "aura-2-thalia-en"),
		ElevenLabsKey:      os.Getenv("ELEVENLABS_API_KEY"),
		ElevenLabsVoiceID:  os.Getenv("ELEVENLABS_VOICE_ID"),
		OpenAIKey:          os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:        getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		AnthropicKey:       os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicModel:     getEnv("ANTHROPIC_MODEL", "claude-sonnet-4-20250514"),
		GeminiKey:          os.Getenv("GEMINI_API_KEY"),
		GeminiModel:        getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		SupabaseURL:        os.Getenv("SUPABASE_URL"),
		SupabaseServiceKey: os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
		SupabaseBucket:     getEnv("SUPABASE_BUCKET", "call-archive"),
		ICEServersJSON:     getEnv("ICE_SERVERS_JSON", `[{"urls":["stun:stun.l.google.com:19302"]}]`),
		AuthPassword:       os.Getenv("AUTH_PASSWORD"),
		ReminderPollSpec:   getEnv("REMINDER_POLL_SPEC", "@every 1m"),
	}

	if cfg.TwilioAuthToken == "" {
		log.Println("Warning: TWILIO_AUTH_TOKEN not set - telephony will not work")
	}
	if cfg.DeepgramAPIKey == "" {
		log.Println("Warning: DEEPGRAM_API_KEY not set - transcription and speech will not work")
	}
	if cfg.OpenAIKey == "" {
		log.Println("Warning: OPENAI_API_KEY not set - response generation will not work")
	}
	if cfg.AnthropicKey == "" {
		log.Println("Warning: ANTHROPIC_API_KEY not set - smart tier disabled, falling back to fast")
	}
	if cfg.GeminiKey == "" {
		log.Println("Warning: GEMINI_API_KEY not set - director analysis disabled")
	}
	if cfg.DatabaseURL == "" {
		log.Println("Warning: DATABASE_URL not set - persistence disabled")
	}
	if cfg.BaseURL == "" {
		log.Println("Warning: BASE_URL not set - outbound calls disabled, webhook URLs derived from request headers")
	}

	log.Printf("config: HTTP_ADDRESS=%s", cfg.HTTPAddress)
	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
