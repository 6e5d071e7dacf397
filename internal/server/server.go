package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/example/go-xtts/internal/audio"
	"github.com/example/go-xtts/internal/config"
	"github.com/example/go-xtts/internal/engine"
	"github.com/example/go-xtts/internal/tts"
)

// ParseLogLevel converts a case-insensitive level string to slog.Level.
// An empty string returns slog.LevelInfo. Unknown strings return an error.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (want debug|info|warn|error)", s)
	}
}

// Synthesizer runs batch and streaming inference for a named voice.
type Synthesizer interface {
	Synthesize(text, language, voice string, set engine.Settings) (*engine.Result, error)
	SynthesizeStream(text, language, voice string, set engine.Settings) (*engine.Stream, error)
	Settings() engine.Settings
	Languages() []string
}

// VoiceLister returns the list of available voices.
type VoiceLister interface {
	Voices() []tts.Voice
}

// ---------------------------------------------------------------------------
// Functional options
// ---------------------------------------------------------------------------

type options struct {
	maxTextBytes   int
	workers        int
	requestTimeout time.Duration
	logger         *slog.Logger
}

func defaultOptions() options {
	return options{
		maxTextBytes:   4096,
		workers:        1,
		requestTimeout: 120 * time.Second,
		logger:         slog.Default(),
	}
}

// Option configures the HTTP handler.
type Option func(*options)

// WithMaxTextBytes sets the maximum allowed text length in bytes for POST /tts.
func WithMaxTextBytes(n int) Option {
	return func(o *options) { o.maxTextBytes = n }
}

// WithWorkers sets the maximum number of concurrent synthesis calls. The
// engine is single-threaded, so this defaults to one.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithRequestTimeout sets the per-request synthesis deadline for POST /tts.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

// WithLogger sets the slog.Logger used for request logging.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// ---------------------------------------------------------------------------
// handler
// ---------------------------------------------------------------------------

// handler holds the dependencies needed to serve HTTP requests.
type handler struct {
	synth  Synthesizer
	voices VoiceLister
	opts   options
	sem    chan struct{} // semaphore for worker pool
	log    *slog.Logger
}

// NewHandler returns an http.Handler serving /health, /voices, /languages,
// POST /tts, and POST /tts/stream.
func NewHandler(synth Synthesizer, voices VoiceLister, optFns ...Option) http.Handler {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	h := &handler{
		synth:  synth,
		voices: voices,
		opts:   opts,
		log:    opts.logger,
	}
	if opts.workers > 0 {
		h.sem = make(chan struct{}, opts.workers)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/voices", h.handleVoices)
	mux.HandleFunc("/languages", h.handleLanguages)
	mux.HandleFunc("/tts", h.handleTTS)
	mux.HandleFunc("/tts/stream", h.handleTTSStream)
	return mux
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": buildVersion(),
	})
}

func (h *handler) handleVoices(w http.ResponseWriter, _ *http.Request) {
	voices := h.voices.Voices()
	if voices == nil {
		voices = []tts.Voice{}
	}
	writeJSON(w, http.StatusOK, voices)
}

func (h *handler) handleLanguages(w http.ResponseWriter, _ *http.Request) {
	langs := h.synth.Languages()
	if langs == nil {
		langs = []string{}
	}
	writeJSON(w, http.StatusOK, langs)
}

type ttsRequest struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Voice    string `json:"voice"`
	Decoder  string `json:"decoder"`
}

// decodeRequest validates the shared request fields and derives per-call
// settings.
func (h *handler) decodeRequest(w http.ResponseWriter, r *http.Request) (ttsRequest, engine.Settings, bool) {
	var req ttsRequest

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return req, engine.Settings{}, false
	}

	if r.Body == nil {
		writeError(w, http.StatusBadRequest, "request body is required")
		return req, engine.Settings{}, false
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return req, engine.Settings{}, false
	}

	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text field is required")
		return req, engine.Settings{}, false
	}

	if len(req.Text) > h.opts.maxTextBytes {
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("text exceeds maximum size of %d bytes", h.opts.maxTextBytes))
		return req, engine.Settings{}, false
	}

	set := h.synth.Settings()
	if req.Decoder != "" {
		decoder, err := config.NormalizeDecoder(req.Decoder)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return req, engine.Settings{}, false
		}
		set.Decoder = decoder
	}
	if req.Language == "" {
		req.Language = "en"
	}

	return req, set, true
}

// acquireWorker blocks for a synthesis slot, honouring client cancellation
// while waiting. The returned release func is nil when acquisition failed.
func (h *handler) acquireWorker(w http.ResponseWriter, r *http.Request) func() {
	if h.sem == nil {
		return func() {}
	}

	select {
	case h.sem <- struct{}{}:
		return func() { <-h.sem }
	case <-r.Context().Done():
		writeError(w, http.StatusServiceUnavailable, "request cancelled while waiting for worker")
		return nil
	}
}

func (h *handler) handleTTS(w http.ResponseWriter, r *http.Request) {
	req, set, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}

	release := h.acquireWorker(w, r)
	if release == nil {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.opts.requestTimeout)
	defer cancel()

	type synthOutcome struct {
		res *engine.Result
		err error
	}

	start := time.Now()
	done := make(chan synthOutcome, 1)
	go func() {
		defer release()
		res, err := h.synth.Synthesize(req.Text, req.Language, req.Voice, set)
		done <- synthOutcome{res: res, err: err}
	}()

	var out synthOutcome
	select {
	case out = <-done:
	case <-ctx.Done():
		h.log.WarnContext(r.Context(), "synthesis timed out",
			slog.String("voice", req.Voice),
			slog.Int("text_len", len(req.Text)),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
		writeError(w, http.StatusGatewayTimeout, "synthesis timed out")
		return
	}
	durationMS := time.Since(start).Milliseconds()

	if out.err != nil {
		h.log.ErrorContext(r.Context(), "synthesis failed",
			slog.String("voice", req.Voice),
			slog.Int("text_len", len(req.Text)),
			slog.Int64("duration_ms", durationMS),
			slog.String("error", out.err.Error()),
		)
		writeError(w, http.StatusInternalServerError, out.err.Error())
		return
	}

	wav, err := audio.EncodeWAV(out.res.Wav)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.log.InfoContext(r.Context(), "synthesis complete",
		slog.String("voice", req.Voice),
		slog.Int("text_len", len(req.Text)),
		slog.Int64("duration_ms", durationMS),
		slog.Int("wav_bytes", len(wav)),
	)

	w.Header().Set("Content-Type", "audio/wav")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(wav)
}

func (h *handler) handleTTSStream(w http.ResponseWriter, r *http.Request) {
	req, set, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}

	release := h.acquireWorker(w, r)
	if release == nil {
		return
	}
	defer release()

	start := time.Now()
	stream, err := h.synth.SynthesizeStream(req.Text, req.Language, req.Voice, set)
	if err != nil {
		h.log.ErrorContext(r.Context(), "stream setup failed",
			slog.String("voice", req.Voice),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.WriteHeader(http.StatusOK)

	if _, err := audio.WriteWAVHeaderStreaming(w); err != nil {
		h.log.WarnContext(r.Context(), "stream header write failed", slog.String("error", err.Error()))
		return
	}

	flusher, _ := w.(http.Flusher)
	var samples int
	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Headers are already sent; the best we can do is drop the
			// connection.
			h.log.ErrorContext(r.Context(), "streaming synthesis failed",
				slog.String("voice", req.Voice),
				slog.Int("samples", samples),
				slog.String("error", err.Error()),
			)
			return
		}

		if _, err := audio.WritePCM16Samples(w, chunk); err != nil {
			h.log.WarnContext(r.Context(), "stream write failed", slog.String("error", err.Error()))
			return
		}
		samples += len(chunk)

		if flusher != nil {
			flusher.Flush()
		}
	}

	h.log.InfoContext(r.Context(), "streaming synthesis complete",
		slog.String("voice", req.Voice),
		slog.Int("text_len", len(req.Text)),
		slog.Int("samples", samples),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ---------------------------------------------------------------------------
// Server — wires handler into net/http.Server with graceful shutdown
// ---------------------------------------------------------------------------

// Server wires the HTTP handler into a net/http.Server with graceful shutdown.
type Server struct {
	cfg             config.Config
	tts             *tts.Service
	shutdownTimeout time.Duration
}

func New(cfg config.Config, svc *tts.Service) *Server {
	return &Server{
		cfg:             cfg,
		tts:             svc,
		shutdownTimeout: 30 * time.Second,
	}
}

// WithShutdownTimeout overrides the graceful-shutdown drain period.
func (s *Server) WithShutdownTimeout(d time.Duration) *Server {
	s.shutdownTimeout = d
	return s
}

func (s *Server) Start(ctx context.Context) error {
	if _, err := config.NormalizeDecoder(s.cfg.TTS.Decoder); err != nil {
		return err
	}

	svc := s.tts
	if svc == nil {
		var err error
		svc, err = tts.NewService(s.cfg)
		if err != nil {
			return fmt.Errorf("initialize synthesis service: %w", err)
		}
		defer svc.Close()
	}

	workers := s.cfg.TTS.Concurrency
	if workers < 1 {
		workers = 1
	}

	h := NewHandler(svc, svc, WithWorkers(workers))

	httpServer := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("http listen: %w", err)
	}
}

func ProbeHTTP(addr string) error {
	resp, err := http.Get("http://" + addr + "/health") //nolint:noctx
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected health status: %s", resp.Status)
	}
	return nil
}
