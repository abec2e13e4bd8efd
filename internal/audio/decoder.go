package audio

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"
	opus "gopkg.in/hraban/opus.v2"
)

// Decoder turns framed device packets into 16-bit signed mono PCM. Decode
// failures are counted, never raised: a wearable stream keeps going through
// radio glitches.
type Decoder struct {
	assembler *FrameAssembler
	opusDec   *opus.Decoder
	codec     string
	rate      int
	pcmBuf    []int16
	logger    *zap.Logger
}

// NewDecoder supports the negotiated codecs: "opus" (decoded) and "pcm16"
// (passed through). Sample rate must be 8000 or 16000, mono.
func NewDecoder(codec string, sampleRate int, logger *zap.Logger) (*Decoder, error) {
	d := &Decoder{
		assembler: NewFrameAssembler(),
		codec:     codec,
		rate:      sampleRate,
		logger:    logger,
	}
	switch codec {
	case "pcm16":
	case "opus":
		dec, err := opus.NewDecoder(sampleRate, 1)
		if err != nil {
			return nil, fmt.Errorf("failed to create opus decoder: %w", err)
		}
		d.opusDec = dec
		// 120 ms at the negotiated rate is the largest legal Opus frame.
		d.pcmBuf = make([]int16, sampleRate*120/1000)
	default:
		return nil, fmt.Errorf("unsupported codec: %s", codec)
	}
	return d, nil
}

// Decode consumes one device packet and returns decoded PCM bytes, or nil
// when no complete frame is available yet. Empty or malformed packets are
// silently dropped.
func (d *Decoder) Decode(packet []byte) []byte {
	if d.codec == "pcm16" {
		if len(packet) == 0 {
			return nil
		}
		return packet
	}

	frame := d.assembler.Push(packet)
	if frame == nil {
		return nil
	}
	return d.decodeFrame(frame)
}

// Flush decodes any pending frame at end of stream.
func (d *Decoder) Flush() []byte {
	if d.codec == "pcm16" {
		return nil
	}
	frame := d.assembler.Flush()
	if frame == nil {
		return nil
	}
	return d.decodeFrame(frame)
}

func (d *Decoder) decodeFrame(frame []byte) []byte {
	n, err := d.opusDec.Decode(frame, d.pcmBuf)
	if err != nil {
		d.assembler.CountLoss()
		d.logger.Debug("opus decode failed",
			zap.Int("frameBytes", len(frame)),
			zap.Error(err))
		return nil
	}
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(d.pcmBuf[i]))
	}
	return out
}

// LostFrames reports the running loss counter.
func (d *Decoder) LostFrames() int {
	return d.assembler.LostFrames()
}
