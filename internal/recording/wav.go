package recording

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/duplexa/pkg/audio"
)

// ErrNothingRecorded is returned when an export has no frames to encode.
var ErrNothingRecorded = errors.New("recording: nothing recorded")

// wavHeaderSize is the size of a canonical 44-byte PCM RIFF/WAVE header.
const wavHeaderSize = 44

// EncodeWAV concatenates frames into a 16-bit PCM WAV file. The format of the
// first frame wins; later frames in a different format are converted to it.
// It returns the encoded bytes and the format used.
func EncodeWAV(frames []audio.AudioFrame) ([]byte, audio.Format, error) {
	if len(frames) == 0 {
		return nil, audio.Format{}, ErrNothingRecorded
	}
	format := audio.Format{SampleRate: frames[0].SampleRate, Channels: max(frames[0].Channels, 1)}
	if format.SampleRate <= 0 {
		return nil, format, fmt.Errorf("recording: first frame has invalid sample rate %d", format.SampleRate)
	}

	conv := audio.FormatConverter{Target: format}
	var pcm bytes.Buffer
	for _, f := range frames {
		if f.Channels == 0 {
			f.Channels = 1
		}
		pcm.Write(conv.Convert(f).Data)
	}

	blockAlign := format.Channels * 2
	dataLen := pcm.Len() - pcm.Len()%blockAlign

	out := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+dataLen))
	out.WriteString("RIFF")
	le32(out, uint32(36+dataLen))
	out.WriteString("WAVE")
	out.WriteString("fmt ")
	le32(out, 16)
	le16(out, 1) // PCM
	le16(out, uint16(format.Channels))
	le32(out, uint32(format.SampleRate))
	le32(out, uint32(format.SampleRate*blockAlign))
	le16(out, uint16(blockAlign))
	le16(out, 16)
	out.WriteString("data")
	le32(out, uint32(dataLen))
	out.Write(pcm.Bytes()[:dataLen])
	return out.Bytes(), format, nil
}

// WAVDuration returns the playback length of an encoded WAV payload produced
// by [EncodeWAV].
func WAVDuration(wav []byte, format audio.Format) time.Duration {
	if len(wav) < wavHeaderSize || format.SampleRate <= 0 || format.Channels <= 0 {
		return 0
	}
	samples := (len(wav) - wavHeaderSize) / (2 * format.Channels)
	return time.Duration(samples) * time.Second / time.Duration(format.SampleRate)
}

func le16(b *bytes.Buffer, v uint16) {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	b.Write(tmp[:])
}

func le32(b *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	b.Write(tmp[:])
}
