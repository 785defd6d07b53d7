// Package gemini implements the live.Provider interface for Google's Gemini
// Live API.
//
// It opens a bidirectional WebSocket to the BidiGenerateContent endpoint and
// exchanges JSON messages: microphone audio goes out as base64 PCM in
// realtimeInput messages, and serverContent messages come back carrying
// synthesised audio, input/output transcriptions, interruption and
// turn-complete signals.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/live"
)

// Compile-time assertions that Provider and conn satisfy the live interfaces.
var _ live.Provider = (*Provider)(nil)
var _ live.Conn = (*conn)(nil)

const (
	// Name is the registry name of this provider.
	Name = "gemini-live"

	defaultModel   = "gemini-2.5-flash-native-audio-preview-09-2025"
	defaultVoice   = "Zephyr"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	// outputRate is the rate of synthesised PCM when the inline data carries
	// no rate parameter.
	outputRate = 24000
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithDefaultVoice sets the prebuilt voice used when [live.Config.Voice] is
// empty.
func WithDefaultVoice(voice string) Option {
	return func(p *Provider) { p.voice = voice }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey  string
	model   string
	voice   string
	baseURL string
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		voice:   defaultVoice,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name implements live.Provider.
func (p *Provider) Name() string { return Name }

// Connect dials Gemini Live, sends the setup message and waits for
// setupComplete.
func (p *Provider) Connect(ctx context.Context, cfg live.Config) (live.Conn, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, url.QueryEscape(p.apiKey),
	)

	ws, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	ws.SetReadLimit(8 << 20)

	connCtx, cancel := context.WithCancel(context.Background())
	c := &conn{
		ws:       ws,
		modality: cfg.Modality,
		ctx:      connCtx,
		cancel:   cancel,
	}

	if err := c.writeJSON(ctx, p.setupMessage(cfg)); err != nil {
		c.abort("setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}
	if err := c.awaitSetupComplete(ctx); err != nil {
		c.abort("setup failed")
		return nil, err
	}

	go c.keepaliveLoop()
	return c, nil
}

func (p *Provider) setupMessage(cfg live.Config) setupMessage {
	modality := cfg.Modality
	if modality == "" {
		modality = live.ModalityAudio
	}
	msg := setupMessage{
		Setup: setupConfig{
			Model: "models/" + p.model,
			GenerationConfig: generationConfig{
				ResponseModalities: []string{string(modality)},
			},
		},
	}
	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &content{Parts: []part{{Text: cfg.Instructions}}}
	}
	voice := cfg.Voice
	if voice == "" {
		voice = p.voice
	}
	if voice != "" && modality == live.ModalityAudio {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: voice}},
		}
	}
	if cfg.Transcribe {
		msg.Setup.InputAudioTranscription = &struct{}{}
		if modality == live.ModalityAudio {
			msg.Setup.OutputAudioTranscription = &struct{}{}
		}
	}
	return msg
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string           `json:"model"`
	GenerationConfig         generationConfig `json:"generationConfig"`
	SystemInstruction        *content         `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}        `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}        `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string `json:"text,omitempty"`
	InlineData *blob  `json:"inlineData,omitempty"`
}

type blob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	Audio *blob `json:"audio,omitempty"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

func (e *geminiError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Code != 0 {
		return fmt.Sprintf("gemini: server error %d: %s", e.Code, msg)
	}
	return "gemini: server error: " + msg
}

type goAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

type serverContent struct {
	ModelTurn           *content       `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type transcription struct {
	Text string `json:"text"`
}

// ── conn ───────────────────────────────────────────────────────────────────────

type conn struct {
	ws       *websocket.Conn
	modality live.Modality

	// pending holds events decoded from a single server message that have not
	// been returned by Receive yet. Only the Receive goroutine touches it.
	pending []live.Event

	ctx       context.Context
	cancel    context.CancelFunc
	closed    atomic.Bool
	closeOnce sync.Once
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *conn) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (c *conn) readMessage(ctx context.Context) (*serverMessage, error) {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			if c.closed.Load() {
				return nil, live.ErrClosed
			}
			return nil, fmt.Errorf("gemini: read: %w", err)
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("gemini: skipping malformed server message", "err", err)
			continue
		}
		if msg.Error != nil {
			return nil, msg.Error
		}
		return &msg, nil
	}
}

func (c *conn) awaitSetupComplete(ctx context.Context) error {
	for {
		msg, err := c.readMessage(ctx)
		if err != nil {
			return fmt.Errorf("gemini: await setup: %w", err)
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

// Receive implements live.Conn.
func (c *conn) Receive(ctx context.Context) (live.Event, error) {
	for len(c.pending) == 0 {
		if c.closed.Load() {
			return live.Event{}, live.ErrClosed
		}
		msg, err := c.readMessage(ctx)
		if err != nil {
			return live.Event{}, err
		}
		if msg.GoAway != nil {
			slog.Info("gemini: server will disconnect soon", "time_left", msg.GoAway.TimeLeft)
		}
		if msg.ServerContent != nil {
			c.pending = c.appendEvents(c.pending, msg.ServerContent)
		}
	}
	ev := c.pending[0]
	c.pending = c.pending[1:]
	return ev, nil
}

// appendEvents flattens one serverContent message into events, transcripts
// first, then audio, then the interruption and turn signals.
func (c *conn) appendEvents(evs []live.Event, sc *serverContent) []live.Event {
	if t := sc.InputTranscription; t != nil && t.Text != "" {
		evs = append(evs, live.Event{Kind: live.EventTranscript, Speaker: live.SpeakerUser, Text: t.Text})
	}
	if t := sc.OutputTranscription; t != nil && t.Text != "" {
		evs = append(evs, live.Event{Kind: live.EventTranscript, Speaker: live.SpeakerModel, Text: t.Text})
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil {
				data, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil || len(data) == 0 {
					slog.Warn("gemini: dropping undecodable inline audio", "mime_type", p.InlineData.MIMEType, "err", err)
					continue
				}
				evs = append(evs, live.Event{Kind: live.EventAudio, Audio: audio.Chunk{
					Data:       data,
					MIMEType:   p.InlineData.MIMEType,
					SampleRate: outputRate,
					Channels:   1,
				}})
			}
			// Text parts only carry the answer in text modality; with audio
			// they are model "thoughts" and outputTranscription is authoritative.
			if p.Text != "" && c.modality == live.ModalityText {
				evs = append(evs, live.Event{Kind: live.EventTranscript, Speaker: live.SpeakerModel, Text: p.Text})
			}
		}
	}
	if sc.Interrupted {
		evs = append(evs, live.Event{Kind: live.EventInterrupted})
	}
	if sc.TurnComplete {
		evs = append(evs, live.Event{Kind: live.EventTurnComplete})
	}
	return evs
}

// SendAudio implements live.Conn.
func (c *conn) SendAudio(ctx context.Context, f audio.AudioFrame) error {
	if c.closed.Load() {
		return live.ErrClosed
	}
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{Audio: &blob{
			MIMEType: fmt.Sprintf("audio/pcm;rate=%d", f.SampleRate),
			Data:     base64.StdEncoding.EncodeToString(f.Data),
		}},
	}
	if err := c.writeJSON(ctx, msg); err != nil {
		if c.closed.Load() {
			return live.ErrClosed
		}
		return fmt.Errorf("gemini: send audio: %w", err)
	}
	return nil
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
// A failed ping is not fatal here; a dead peer surfaces as a read error.
func (c *conn) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, keepaliveTimeout)
			if err := c.ws.Ping(pingCtx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Debug("gemini: keepalive ping failed", "err", err)
			}
			cancel()
		}
	}
}

func (c *conn) abort(reason string) {
	c.closed.Store(true)
	c.cancel()
	_ = c.ws.Close(websocket.StatusInternalError, reason)
}

// Close implements live.Conn. Idempotent.
func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()
		_ = c.ws.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}
