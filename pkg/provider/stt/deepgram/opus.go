package deepgram

import (
	"fmt"

	"layeh.com/gopus"
)

const opusFrameMs = 20

// opusEncoder packs arbitrary-length PCM chunks into fixed 20 ms Opus frames.
// Samples that do not fill a frame are carried over to the next call.
type opusEncoder struct {
	enc       *gopus.Encoder
	channels  int
	frameSize int // samples per channel per frame
	pending   []int16
	carry     []byte // odd trailing byte of the previous chunk
}

func newOpusEncoder(sampleRate, channels int) (*opusEncoder, error) {
	switch sampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return nil, fmt.Errorf("deepgram: opus does not support %d Hz", sampleRate)
	}
	enc, err := gopus.NewEncoder(sampleRate, channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("deepgram: create opus encoder: %w", err)
	}
	return &opusEncoder{
		enc:       enc,
		channels:  channels,
		frameSize: sampleRate * opusFrameMs / 1000,
	}, nil
}

// encode appends pcm (little-endian int16) and returns every complete packet.
func (e *opusEncoder) encode(pcm []byte) ([][]byte, error) {
	if len(e.carry) > 0 {
		pcm = append(e.carry, pcm...)
		e.carry = nil
	}
	n := len(pcm) &^ 1
	for i := 0; i < n; i += 2 {
		e.pending = append(e.pending, int16(pcm[i])|int16(pcm[i+1])<<8)
	}
	if n < len(pcm) {
		e.carry = []byte{pcm[n]}
	}

	step := e.frameSize * e.channels
	var packets [][]byte
	for len(e.pending) >= step {
		pkt, err := e.enc.Encode(e.pending[:step], e.frameSize, step*2)
		if err != nil {
			return packets, fmt.Errorf("deepgram: opus encode: %w", err)
		}
		packets = append(packets, pkt)
		e.pending = e.pending[step:]
	}
	return packets, nil
}
