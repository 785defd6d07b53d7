// Package openai implements the live.Provider interface for OpenAI's Realtime
// API.
//
// It opens a WebSocket to the Realtime endpoint, configures the session with a
// session.update event and then exchanges JSON events: microphone audio goes
// out as input_audio_buffer.append, and response/transcription events come
// back. Server-side voice activity detection drives turn taking.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/live"
)

// Compile-time assertions that Provider and conn satisfy the live interfaces.
var _ live.Provider = (*Provider)(nil)
var _ live.Conn = (*conn)(nil)

const (
	// Name is the registry name of this provider.
	Name = "openai-realtime"

	defaultModel   = "gpt-4o-realtime-preview"
	defaultVoice   = "alloy"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	transcriptionModel = "whisper-1"
)

// wireFormat is the only PCM layout the Realtime API accepts for pcm16.
var wireFormat = audio.Format{SampleRate: 24000, Channels: 1}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithDefaultVoice sets the voice used when [live.Config.Voice] is empty.
func WithDefaultVoice(voice string) Option {
	return func(p *Provider) { p.voice = voice }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey  string
	model   string
	voice   string
	baseURL string
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
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

// Connect dials the Realtime endpoint, sends session.update and waits for the
// server to acknowledge it with session.updated.
func (p *Provider) Connect(ctx context.Context, cfg live.Config) (live.Conn, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, url.QueryEscape(p.model))

	ws, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	ws.SetReadLimit(8 << 20)

	c := &conn{
		ws:         ws,
		conv:       audio.Converter{Target: wireFormat},
		deltaItems: make(map[string]bool),
	}

	if err := c.writeJSON(ctx, p.sessionUpdate(cfg)); err != nil {
		_ = ws.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}
	if err := c.awaitSessionUpdated(ctx); err != nil {
		_ = ws.Close(websocket.StatusInternalError, "session update failed")
		return nil, err
	}
	return c, nil
}

func (p *Provider) sessionUpdate(cfg live.Config) sessionUpdateMessage {
	modalities := []string{"text", "audio"}
	if cfg.Modality == live.ModalityText {
		modalities = []string{"text"}
	}
	params := sessionParams{
		Modalities:        modalities,
		Instructions:      cfg.Instructions,
		Voice:             cfg.Voice,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     &turnDetection{Type: "server_vad"},
	}
	if params.Voice == "" {
		params.Voice = p.voice
	}
	if cfg.Transcribe {
		params.InputAudioTranscription = &inputTranscription{Model: transcriptionModel}
	}
	return sessionUpdateMessage{Type: "session.update", Session: params}
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string            `json:"modalities"`
	Voice                   string              `json:"voice,omitempty"`
	Instructions            string              `json:"instructions,omitempty"`
	InputAudioFormat        string              `json:"input_audio_format"`
	OutputAudioFormat       string              `json:"output_audio_format"`
	InputAudioTranscription *inputTranscription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection      `json:"turn_detection,omitempty"`
}

type inputTranscription struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverErrorDetail is the nested error object in an error event:
// {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *serverErrorDetail) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Code != "" {
		return fmt.Sprintf("openai: server error (%s): %s", e.Code, msg)
	}
	return "openai: server error: " + msg
}

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta, response.audio_transcript.delta,
	// conversation.item.input_audio_transcription.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`
	ItemID     string `json:"item_id,omitempty"`

	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── conn ───────────────────────────────────────────────────────────────────────

type conn struct {
	ws   *websocket.Conn
	conv audio.Converter // SendAudio goroutine only

	// deltaItems records input transcription items that already streamed
	// deltas, so their completed event is not emitted twice. Receive
	// goroutine only.
	deltaItems map[string]bool

	closed    atomic.Bool
	closeOnce sync.Once
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *conn) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (c *conn) readEvent(ctx context.Context) (*serverEvent, error) {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			if c.closed.Load() {
				return nil, live.ErrClosed
			}
			return nil, fmt.Errorf("openai: read: %w", err)
		}
		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Warn("openai: skipping malformed server event", "err", err)
			continue
		}
		if evt.Type == "error" {
			if evt.Error == nil {
				evt.Error = &serverErrorDetail{}
			}
			return nil, evt.Error
		}
		return &evt, nil
	}
}

func (c *conn) awaitSessionUpdated(ctx context.Context) error {
	for {
		evt, err := c.readEvent(ctx)
		if err != nil {
			return fmt.Errorf("openai: await session.updated: %w", err)
		}
		if evt.Type == "session.updated" {
			return nil
		}
	}
}

// Receive implements live.Conn.
func (c *conn) Receive(ctx context.Context) (live.Event, error) {
	for {
		if c.closed.Load() {
			return live.Event{}, live.ErrClosed
		}
		evt, err := c.readEvent(ctx)
		if err != nil {
			return live.Event{}, err
		}
		if ev, ok := c.translate(evt); ok {
			return ev, nil
		}
	}
}

func (c *conn) translate(evt *serverEvent) (live.Event, bool) {
	switch evt.Type {
	case "response.audio.delta", "response.output_audio.delta":
		data, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(data) == 0 {
			slog.Warn("openai: dropping undecodable audio delta", "err", err)
			return live.Event{}, false
		}
		return live.Event{Kind: live.EventAudio, Audio: audio.Chunk{
			Data:       data,
			MIMEType:   "audio/pcm;rate=24000",
			SampleRate: wireFormat.SampleRate,
			Channels:   wireFormat.Channels,
		}}, true

	case "response.audio_transcript.delta", "response.output_audio_transcript.delta", "response.text.delta":
		if evt.Delta == "" {
			return live.Event{}, false
		}
		return live.Event{Kind: live.EventTranscript, Speaker: live.SpeakerModel, Text: evt.Delta}, true

	case "conversation.item.input_audio_transcription.delta":
		if evt.Delta == "" {
			return live.Event{}, false
		}
		c.deltaItems[evt.ItemID] = true
		return live.Event{Kind: live.EventTranscript, Speaker: live.SpeakerUser, Text: evt.Delta}, true

	case "conversation.item.input_audio_transcription.completed":
		streamed := c.deltaItems[evt.ItemID]
		delete(c.deltaItems, evt.ItemID)
		if streamed || evt.Transcript == "" {
			return live.Event{}, false
		}
		return live.Event{Kind: live.EventTranscript, Speaker: live.SpeakerUser, Text: evt.Transcript}, true

	case "input_audio_buffer.speech_started":
		return live.Event{Kind: live.EventInterrupted}, true

	case "response.done":
		return live.Event{Kind: live.EventTurnComplete}, true
	}
	return live.Event{}, false
}

// SendAudio implements live.Conn. Frames are resampled to the 24 kHz mono
// layout the API expects.
func (c *conn) SendAudio(ctx context.Context, f audio.AudioFrame) error {
	if c.closed.Load() {
		return live.ErrClosed
	}
	f = c.conv.ConvertFrame(f)
	if len(f.Data) == 0 {
		return nil
	}
	msg := appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(f.Data),
	}
	if err := c.writeJSON(ctx, msg); err != nil {
		if c.closed.Load() {
			return live.ErrClosed
		}
		return fmt.Errorf("openai: send audio: %w", err)
	}
	return nil
}

// Close implements live.Conn. Idempotent.
func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		_ = c.ws.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}
