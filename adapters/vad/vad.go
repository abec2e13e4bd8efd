// Package vad gates silence. The real-time path is a cheap RMS gate with a
// hangover buffer; the batch path calls the hosted VAD endpoint and caches
// results by file path.
package vad

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sonara-ai/sonara/server/domain/repositories"
)

// ErrNoSpeech is returned by SpeechIntervals when a recording that should
// contain speech comes back empty; callers cancel post-processing on it.
var ErrNoSpeech = fmt.Errorf("no speech detected")

// Detector implements repositories.VoiceActivityDetector.
type Detector struct {
	endpoint  string
	threshold float64
	client    *http.Client
	logger    *zap.Logger

	// hangover keeps the gate open briefly after energy drops, so short
	// intra-word pauses do not chop segments.
	hangover int

	mu    sync.Mutex
	cache map[string][]repositories.SpeechInterval
}

// New creates a detector. endpoint may be empty, in which case the batch path
// falls back to the local gate scanned over the whole file.
func New(endpoint string, threshold float64, logger *zap.Logger) *Detector {
	if threshold <= 0 {
		threshold = 0.012
	}
	return &Detector{
		endpoint:  endpoint,
		threshold: threshold,
		client:    &http.Client{Timeout: 60 * time.Second},
		logger:    logger,
		cache:     make(map[string][]repositories.SpeechInterval),
	}
}

// IsSpeech classifies one 16-bit mono PCM frame.
func (d *Detector) IsSpeech(frame []byte, sampleRate int) bool {
	if rmsOf(frame) >= d.threshold {
		d.hangover = 8
		return true
	}
	if d.hangover > 0 {
		d.hangover--
		return true
	}
	return false
}

// SpeechIntervals returns the speech spans of a WAV file, cached by path.
func (d *Detector) SpeechIntervals(ctx context.Context, wavPath string) ([]repositories.SpeechInterval, error) {
	d.mu.Lock()
	if cached, ok := d.cache[wavPath]; ok {
		d.mu.Unlock()
		return cached, nil
	}
	d.mu.Unlock()

	var intervals []repositories.SpeechInterval
	var err error
	if d.endpoint != "" {
		intervals, err = d.hostedIntervals(ctx, wavPath)
	} else {
		intervals, err = d.localIntervals(wavPath)
	}
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.cache[wavPath] = intervals
	d.mu.Unlock()
	return intervals, nil
}

func (d *Detector) hostedIntervals(ctx context.Context, wavPath string) ([]repositories.SpeechInterval, error) {
	file, err := os.Open(wavPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open wav for vad: %w", err)
	}
	defer file.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filepath.Base(wavPath))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, fmt.Errorf("failed to buffer wav for vad: %w", err)
	}
	writer.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vad request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("vad endpoint returned %d: %s", resp.StatusCode, string(b))
	}

	var intervals []repositories.SpeechInterval
	if err := json.NewDecoder(resp.Body).Decode(&intervals); err != nil {
		return nil, fmt.Errorf("failed to decode vad response: %w", err)
	}
	return intervals, nil
}

// localIntervals scans the file with the frame gate, 30 ms windows.
func (d *Detector) localIntervals(wavPath string) ([]repositories.SpeechInterval, error) {
	data, err := os.ReadFile(wavPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read wav for vad: %w", err)
	}
	if len(data) <= 44 {
		return nil, nil
	}
	sampleRate := int(binary.LittleEndian.Uint32(data[24:28]))
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	pcm := data[44:]

	frameBytes := sampleRate * 2 * 30 / 1000
	var intervals []repositories.SpeechInterval
	var open *repositories.SpeechInterval
	for off := 0; off < len(pcm); off += frameBytes {
		end := off + frameBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		t := float64(off) / 2 / float64(sampleRate)
		if rmsOf(pcm[off:end]) >= d.threshold {
			if open == nil {
				open = &repositories.SpeechInterval{Start: t}
			}
			open.End = float64(end) / 2 / float64(sampleRate)
		} else if open != nil {
			intervals = append(intervals, *open)
			open = nil
		}
	}
	if open != nil {
		intervals = append(intervals, *open)
	}
	return intervals, nil
}

// rmsOf computes normalized root-mean-square energy of 16-bit LE PCM.
func rmsOf(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(frame[i*2:]))) / 32768.0
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}
