package stt

import (
	"github.com/sonara-ai/sonara/server/internal/audio"
)

func readWAVForSTT(wavPath string) (pcm []byte, sampleRate int, err error) {
	return audio.ReadWAV(wavPath)
}
