package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// WriteWAV writes 16-bit signed mono PCM to path with a standard RIFF header.
// Used by the post-processing and speaker-embedding paths, which operate on
// whole recordings.
func WriteWAV(path string, pcm []byte, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create wav file: %w", err)
	}
	defer f.Close()

	if err := writeWAVHeader(f, len(pcm), sampleRate); err != nil {
		return err
	}
	if _, err := f.Write(pcm); err != nil {
		return fmt.Errorf("failed to write wav data: %w", err)
	}
	return nil
}

func writeWAVHeader(w io.Writer, dataLen, sampleRate int) error {
	const (
		channels      = 1
		bitsPerSample = 16
	)
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	var header [44]byte
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(36+dataLen))
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(header[22:24], channels)
	binary.LittleEndian.PutUint32(header[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(header[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(header[34:36], bitsPerSample)
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(dataLen))

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("failed to write wav header: %w", err)
	}
	return nil
}

// ReadWAV loads a mono 16-bit WAV file and returns its PCM payload and sample
// rate. Only the canonical 44-byte header layout produced by WriteWAV and by
// common recorders is accepted.
func ReadWAV(path string) (pcm []byte, sampleRate int, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read wav file: %w", err)
	}
	if len(data) < 44 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("not a wav file: %s", path)
	}
	sampleRate = int(binary.LittleEndian.Uint32(data[24:28]))
	dataLen := int(binary.LittleEndian.Uint32(data[40:44]))
	if 44+dataLen > len(data) {
		dataLen = len(data) - 44
	}
	return data[44 : 44+dataLen], sampleRate, nil
}

// DurationSeconds computes the length of a mono 16-bit PCM buffer.
func DurationSeconds(pcmLen, sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(pcmLen) / 2 / float64(sampleRate)
}
