package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	api "github.com/dmdzco/donna2-sub004/api/http"
	"github.com/dmdzco/donna2-sub004/internal/archive"
	"github.com/dmdzco/donna2-sub004/internal/cache"
	"github.com/dmdzco/donna2-sub004/internal/config"
	"github.com/dmdzco/donna2-sub004/internal/director"
	"github.com/dmdzco/donna2-sub004/internal/httpserver"
	"github.com/dmdzco/donna2-sub004/internal/llm"
	"github.com/dmdzco/donna2-sub004/internal/memory"
	"github.com/dmdzco/donna2-sub004/internal/rtc"
	"github.com/dmdzco/donna2-sub004/internal/sched"
	"github.com/dmdzco/donna2-sub004/internal/store"
	"github.com/dmdzco/donna2-sub004/internal/stt"
	"github.com/dmdzco/donna2-sub004/internal/telephony"
	"github.com/dmdzco/donna2-sub004/internal/tts"
	"github.com/dmdzco/donna2-sub004/internal/turn"
)

// app bundles the long-lived collaborators shared by every call.
type app struct {
	cfg      config.Config
	log      *slog.Logger
	store    *store.Store
	gen      turn.ResponseGenerator
	director turn.Director
	memories *memory.Service
	archive  *archive.Archive

	// subjects looked up by phone number, kept warm between webhook and
	// media stream.
	subjectCache *cache.Cache[*store.Subject]
}

func main() {
	// Sub-second precision in all log timestamps.
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	cfg := config.Load()
	logger := slog.Default()
	ctx := context.Background()

	a := &app{
		cfg:          cfg,
		log:          logger,
		subjectCache: cache.New[*store.Subject](5 * time.Minute),
	}

	if cfg.DatabaseURL != "" {
		st, err := store.New(store.Config{DSN: cfg.DatabaseURL, RunMigrations: true})
		if err != nil {
			log.Fatalf("store: %v", err)
		}
		defer st.Close()
		a.store = st
	}

	fast, err := llm.NewOpenAIClient(cfg.OpenAIKey, cfg.OpenAIModel)
	if err != nil {
		log.Fatalf("llm: %v", err)
	}
	var smart turn.ResponseGenerator
	if cfg.AnthropicKey != "" {
		sm, err := llm.NewAnthropicClient(cfg.AnthropicKey, cfg.AnthropicModel)
		if err != nil {
			log.Printf("anthropic disabled: %v", err)
		} else {
			smart = sm
		}
	}
	a.gen = llm.NewRouter(fast, smart, logger)

	if cfg.GeminiKey != "" {
		dir, err := director.NewGemini(ctx, cfg.GeminiKey, cfg.GeminiModel)
		if err != nil {
			log.Printf("director disabled: %v", err)
		} else {
			a.director = dir
		}
	}

	if a.store != nil && cfg.OpenAIKey != "" {
		embedder, err := memory.NewOpenAIEmbedder(cfg.OpenAIKey, "")
		if err != nil {
			log.Printf("memory extraction disabled: %v", err)
		} else {
			a.memories = memory.NewService(a.gen, embedder, a.store, logger)
		}
	}

	if cfg.SupabaseURL != "" && cfg.SupabaseServiceKey != "" {
		arch, err := archive.New(archive.Config{
			URL:            cfg.SupabaseURL,
			ServiceRoleKey: cfg.SupabaseServiceKey,
			Bucket:         cfg.SupabaseBucket,
		})
		if err != nil {
			log.Printf("archive disabled: %v", err)
		} else {
			a.archive = arch
		}
	}

	var archStorage telephony.Storage
	if a.archive != nil {
		archStorage = a.archive
	}
	tel := telephony.New(telephony.Config{
		AccountSID:  cfg.TwilioAccountSID,
		AuthToken:   cfg.TwilioAuthToken,
		FromNumber:  cfg.TwilioFromNumber,
		BaseURL:     cfg.BaseURL,
		RecordCalls: cfg.RecordCalls,
	}, archStorage, a.newPhoneListener, a.newPhoneSession)

	rtcHandler := rtc.NewHandler(a.newConsoleListener, a.newConsoleSession)

	e := httpserver.New()
	tel.RegisterHandlers(e)
	httpserver.RegisterRTC(e, rtcHandler, cfg.ICEServersJSON, cfg.AuthPassword)
	if a.store != nil {
		api.NewHandlers(a.store).Register(e)
	}

	if a.store != nil && cfg.BaseURL != "" {
		scheduler := sched.New(a.store, tel, sched.Config{
			PollSpec: cfg.ReminderPollSpec,
			Logger:   logger,
		})
		if err := scheduler.Start(); err != nil {
			log.Fatalf("scheduler: %v", err)
		}
		defer scheduler.Stop()
	}

	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Printf("server listening on %s", cfg.HTTPAddress)
		serverErrors <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	case sig := <-sigChan:
		log.Printf("shutdown signal received: %v", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = server.Close()
	}
}

func (a *app) newPhoneListener() (telephony.Listener, error) {
	return stt.NewLiveClient(stt.LiveConfig{
		APIKey:     a.cfg.DeepgramAPIKey,
		Model:      a.cfg.DeepgramSTTModel,
		Encoding:   "mulaw",
		SampleRate: 8000,
	}), nil
}

func (a *app) newConsoleListener() (rtc.Listener, error) {
	return stt.NewLiveClient(stt.LiveConfig{
		APIKey:     a.cfg.DeepgramAPIKey,
		Model:      a.cfg.DeepgramSTTModel,
		Encoding:   "linear16",
		SampleRate: 48000,
	}), nil
}

// newPhoneSession builds the conversation controller for one Twilio call.
func (a *app) newPhoneSession(ctx context.Context, call telephony.CallInfo, transport *telephony.MediaStream) (telephony.CallSession, error) {
	profile := a.resolveSubject(ctx, call)
	subject := toTurnSubject(profile)

	var reminder *turn.Reminder
	if a.store != nil && call.ReminderID != "" {
		rem, err := a.store.GetReminder(ctx, call.ReminderID)
		if err != nil {
			a.log.Error("load reminder", "reminder", call.ReminderID, "error", err)
		} else if rem != nil {
			reminder = &turn.Reminder{ID: rem.ID, Text: rem.Body}
		}
	}

	var memoryContext []string
	if a.memories != nil && subject.ID != "" {
		lines, err := a.memories.ContextLines(ctx, subject.ID, "", 6)
		if err != nil {
			a.log.Error("memory context", "subject", subject.ID, "error", err)
		} else {
			memoryContext = lines
		}
	}

	voice := a.phoneVoice(profile)
	sessionID := uuid.New().String()

	var callRecord *store.Call
	if a.store != nil && subject.ID != "" {
		direction := store.CallInbound
		if call.ReminderID != "" {
			direction = store.CallOutbound
		}
		callRecord = &store.Call{
			ID:          sessionID,
			SubjectID:   subject.ID,
			ReminderID:  call.ReminderID,
			Direction:   direction,
			ProviderSID: call.CallSID,
		}
		if err := a.store.CreateCall(ctx, callRecord); err != nil {
			a.log.Error("create call record", "error", err)
			callRecord = nil
		}
	}

	cfg := turn.Config{
		SessionID:     sessionID,
		Subject:       subject,
		Reminder:      reminder,
		MemoryContext: memoryContext,
		Generator:     a.gen,
		NewSink: func(sinkCtx context.Context) (turn.SpeechSink, error) {
			return tts.NewSink(sinkCtx, voice, transport), nil
		},
		Transport: transport,
		Director:  a.director,
		Logger:    a.log,
		Streaming: true,
	}
	if a.store != nil {
		cfg.Reminders = a.store
	}
	if a.memories != nil {
		cfg.Memories = a.memories
	}

	sess := turn.NewSession(cfg)
	return &phoneSession{Session: sess, app: a, record: callRecord}, nil
}

// newConsoleSession builds the controller for a browser console call. No
// subject, no persistence: just the conversation loop.
func (a *app) newConsoleSession(ctx context.Context, console *rtc.Console) (rtc.CallSession, error) {
	voice := tts.NewDeepgramConsoleVoice(a.cfg.DeepgramAPIKey, a.cfg.DeepgramTTSModel)
	cfg := turn.Config{
		SessionID: uuid.New().String(),
		Subject:   turn.Subject{Name: "there"},
		Generator: a.gen,
		NewSink: func(sinkCtx context.Context) (turn.SpeechSink, error) {
			return tts.NewSink(sinkCtx, voice, console), nil
		},
		Transport: console,
		Director:  a.director,
		Logger:    a.log,
		Streaming: true,
	}
	return turn.NewSession(cfg), nil
}

// resolveSubject looks the caller up by explicit ID, then by phone number.
// Unknown callers get a nil profile and the conversation still works.
func (a *app) resolveSubject(ctx context.Context, call telephony.CallInfo) *store.Subject {
	if a.store == nil {
		return nil
	}

	if call.SubjectID != "" {
		sub, err := a.store.GetSubject(ctx, call.SubjectID)
		if err != nil {
			a.log.Error("subject lookup", "subject", call.SubjectID, "error", err)
		} else if sub != nil {
			return sub
		}
	}
	if call.From != "" {
		if cached, ok := a.subjectCache.Get(call.From); ok {
			return cached
		}
		sub, err := a.store.GetSubjectByPhone(ctx, call.From)
		if err != nil {
			a.log.Error("subject lookup by phone", "error", err)
		} else if sub != nil {
			a.subjectCache.Set(call.From, sub)
			return sub
		}
	}
	return nil
}

func toTurnSubject(sub *store.Subject) turn.Subject {
	if sub == nil {
		return turn.Subject{Name: "there"}
	}
	return turn.Subject{
		ID:           sub.ID,
		Name:         sub.Name,
		Interests:    strings.Join(sub.Interests, ", "),
		MedicalNotes: strings.Join(sub.MedicalNotes, "; "),
	}
}

func (a *app) phoneVoice(sub *store.Subject) tts.Streamer {
	if a.cfg.ElevenLabsKey != "" {
		voiceID := a.cfg.ElevenLabsVoiceID
		if sub != nil && sub.VoiceID != "" {
			voiceID = sub.VoiceID
		}
		if voiceID != "" {
			return tts.NewElevenLabsPhoneVoice(a.cfg.ElevenLabsKey, voiceID)
		}
	}
	return tts.NewDeepgramPhoneVoice(a.cfg.DeepgramAPIKey, a.cfg.DeepgramTTSModel)
}

// phoneSession finishes the call record and archives the transcript after the
// controller closes.
type phoneSession struct {
	*turn.Session
	app    *app
	record *store.Call
}

func (p *phoneSession) Close(ctx context.Context) error {
	err := p.Session.Close(ctx)

	transcript := p.Session.Transcript()
	chars := 0
	for _, m := range transcript {
		chars += len(m.Text)
	}

	if p.record != nil {
		if ferr := p.app.store.FinishCall(ctx, p.record.ID, "completed", chars, ""); ferr != nil {
			p.app.log.Error("finish call record", "call", p.record.ID, "error", ferr)
		}
	}
	if p.app.archive != nil && p.record != nil {
		if aerr := p.app.archive.ArchiveTranscript(p.record.ID, transcript); aerr != nil {
			p.app.log.Error("archive transcript", "call", p.record.ID, "error", aerr)
		}
	}
	return err
}
