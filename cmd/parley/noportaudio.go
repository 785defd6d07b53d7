//go:build !portaudio

package main

import (
	"errors"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/pkg/audio"
)

var errNoPortAudio = errors.New("built without portaudio support; rebuild with -tags portaudio or use the file, silence or clock drivers")

func registerPortAudio(reg *config.Registry) {
	reg.RegisterInput(config.InputPortAudio, func(config.InputConfig) (audio.DeviceAccess, error) {
		return nil, errNoPortAudio
	})
	reg.RegisterOutput(config.OutputPortAudio, func(config.OutputConfig) (audio.OutputFactory, error) {
		return nil, errNoPortAudio
	})
}
