//go:build portaudio

package main

import (
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/portaudio"
)

func registerPortAudio(reg *config.Registry) {
	reg.RegisterInput(config.InputPortAudio, func(c config.InputConfig) (audio.DeviceAccess, error) {
		return &portaudio.Access{Format: inputFormat(c), FrameDuration: c.FrameDuration}, nil
	})
	reg.RegisterOutput(config.OutputPortAudio, func(c config.OutputConfig) (audio.OutputFactory, error) {
		return &portaudio.Speaker{BufferDuration: c.BufferDuration}, nil
	})
}
