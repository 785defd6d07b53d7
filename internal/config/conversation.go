package config

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"text/template"

	"github.com/MrWong99/parley/pkg/provider/live"
)

// InstructionData is the value a system instruction template is executed
// with.
type InstructionData struct {
	UserName string
}

type compiledConversation struct {
	cfg  ConversationConfig
	tmpl *template.Template
}

// ConversationSource hands out the current conversation settings to each new
// session. [ConversationSource.Update] swaps them atomically, so a reload
// never affects a session that has already started.
type ConversationSource struct {
	cur atomic.Pointer[compiledConversation]
}

// NewConversationSource compiles c and returns a source serving it.
func NewConversationSource(c ConversationConfig) (*ConversationSource, error) {
	s := &ConversationSource{}
	if err := s.Update(c); err != nil {
		return nil, err
	}
	return s, nil
}

// Update replaces the settings. On error the previous settings stay in use.
func (s *ConversationSource) Update(c ConversationConfig) error {
	text := c.SystemInstruction
	if text == "" {
		text = DefaultSystemInstruction
	}
	tmpl, err := template.New("system_instruction").Option("missingkey=error").Parse(text)
	if err != nil {
		return fmt.Errorf("config: parse system instruction: %w", err)
	}
	s.cur.Store(&compiledConversation{cfg: c, tmpl: tmpl})
	return nil
}

// Conversation renders the instruction and returns the settings for one
// session.
func (s *ConversationSource) Conversation(_ context.Context) (live.Config, error) {
	cc := s.cur.Load()
	var b strings.Builder
	if err := cc.tmpl.Execute(&b, InstructionData{UserName: cc.cfg.UserName}); err != nil {
		return live.Config{}, fmt.Errorf("config: render system instruction: %w", err)
	}

	modality := live.ModalityAudio
	if cc.cfg.ResponseModality == ModalityText {
		modality = live.ModalityText
	}
	return live.Config{
		Instructions: b.String(),
		Voice:        cc.cfg.Voice,
		Modality:     modality,
		Transcribe:   cc.cfg.TranscribeEnabled(),
	}, nil
}
