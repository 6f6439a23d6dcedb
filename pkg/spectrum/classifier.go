package spectrum

import "math"

// Classification is the per-frame verdict of [Classify].
type Classification int

const (
	// UserSpeech is anything that does not match the synthesis signature.
	UserSpeech Classification = iota
	// SelfSpeech is energy attributed to the system's own synthesized voice.
	SelfSpeech
)

// String returns "user" or "self".
func (c Classification) String() string {
	if c == SelfSpeech {
		return "self"
	}
	return "user"
}

// Signature is the expected spectral fingerprint of the synthesized voice:
// reference frequencies in Hz plus a byte-magnitude threshold.
type Signature struct {
	Frequencies []float64
	Threshold   float64
}

// DefaultSignature returns the placeholder signature {500, 1000, 1500 Hz}
// with threshold 100. The values are not calibrated against any particular
// voice.
func DefaultSignature() Signature {
	return Signature{Frequencies: []float64{500, 1000, 1500}, Threshold: 100}
}

// BinIndex maps a frequency to a bin index as round(f / sampleRate * bufferLength).
// Reference frequencies are aligned to bins with exactly this mapping.
func BinIndex(freq float64, sampleRate, bufferLength int) int {
	return int(math.Round(freq / float64(sampleRate) * float64(bufferLength)))
}

// Classify reports [SelfSpeech] if the magnitude at any reference frequency's
// bin is strictly above the signature threshold, and [UserSpeech] otherwise.
// Reference bins that fall outside the spectrum are skipped. An empty
// signature always yields UserSpeech.
func Classify(sp Spectrum, sig Signature) Classification {
	if sp.SampleRate <= 0 {
		return UserSpeech
	}
	for _, f := range sig.Frequencies {
		m, ok := sp.Magnitude(BinIndex(f, sp.SampleRate, sp.BufferLength()))
		if ok && m > sig.Threshold {
			return SelfSpeech
		}
	}
	return UserSpeech
}
