package audio

import (
	"fmt"
	"sync"

	"gopkg.in/hraban/opus.v2"
)

// maxFrameSamples covers a 120ms opus frame at 48kHz.
const maxFrameSamples = 5760

// Decoder converts inbound opus frames to PCM for the VAD/ASR path. Safe
// for use by a single connection goroutine; guard with the mutex when the
// gateway reorder path and the direct path can interleave.
type Decoder struct {
	mu         sync.Mutex
	dec        *opus.Decoder
	sampleRate int
	channels   int
}

// NewDecoder creates a decoder for the negotiated sample rate, mono.
func NewDecoder(sampleRate int) (*Decoder, error) {
	dec, err := opus.NewDecoder(sampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("opus decoder: %w", err)
	}
	return &Decoder{dec: dec, sampleRate: sampleRate, channels: 1}, nil
}

// Decode turns one opus packet into PCM samples.
func (d *Decoder) Decode(packet []byte) ([]int16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	pcm := make([]int16, maxFrameSamples)
	n, err := d.dec.Decode(packet, pcm)
	if err != nil {
		return nil, fmt.Errorf("opus decode: %w", err)
	}
	return pcm[:n*d.channels], nil
}

// Encoder packs PCM into opus frames for egress when the TTS provider
// returns raw PCM.
type Encoder struct {
	mu         sync.Mutex
	enc        *opus.Encoder
	sampleRate int
}

// NewEncoder creates a mono voice-tuned encoder.
func NewEncoder(sampleRate int) (*Encoder, error) {
	enc, err := opus.NewEncoder(sampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("opus encoder: %w", err)
	}
	return &Encoder{enc: enc, sampleRate: sampleRate}, nil
}

// Encode packs one PCM frame into an opus packet.
func (e *Encoder) Encode(pcm []int16) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	buf := make([]byte, 4000)
	n, err := e.enc.Encode(pcm, buf)
	if err != nil {
		return nil, fmt.Errorf("opus encode: %w", err)
	}
	return buf[:n], nil
}

// PCMBytes converts int16 samples to little-endian bytes.
func PCMBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// PCMSamples converts little-endian bytes to int16 samples. A trailing odd
// byte is ignored.
func PCMSamples(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(data[i*2]) | int16(data[i*2+1])<<8
	}
	return out
}

// PCMFloat32 converts int16 samples to the normalized float32 form the VAD
// model consumes.
func PCMFloat32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768.0
	}
	return out
}
