// Package spectrum turns captured audio frames into byte-scaled frequency
// spectra and decides whether a spectrum carries the fingerprint of the
// system's own synthesized voice.
//
// The scaling mirrors the browser AnalyserNode byte frequency data that the
// default signature was tuned against: a Blackman-windowed FFT whose
// magnitudes are converted to decibels and mapped linearly from the
// [-100 dB, -30 dB] range onto 0..255. No temporal smoothing is applied, so
// [Analyzer.Analyze] is a deterministic function of its inputs.
package spectrum

import (
	"fmt"
	"math"
	"math/bits"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"

	"github.com/MrWong99/duplexa/pkg/audio"
)

const (
	// DefaultWindowSize is the transform window in samples.
	DefaultWindowSize = 2048

	// DefaultMinDecibels and DefaultMaxDecibels bound the dB range that maps
	// onto byte magnitudes 0 and 255.
	DefaultMinDecibels = -100.0
	DefaultMaxDecibels = -30.0

	minWindowSize = 32
	maxWindowSize = 32768
)

// Spectrum is the byte-scaled magnitude per frequency bin derived from one
// audio frame. Bins[i] is in [0, 255]. A Spectrum must not be mutated after
// it is returned by [Analyzer.Analyze].
type Spectrum struct {
	// Bins holds one magnitude per bin; len(Bins) is the buffer length the
	// spectrum was produced with.
	Bins []float64

	// SampleRate of the frame the spectrum was derived from.
	SampleRate int
}

// BufferLength returns the number of bins.
func (s Spectrum) BufferLength() int { return len(s.Bins) }

// Magnitude returns the magnitude of bin i and whether i is in range.
func (s Spectrum) Magnitude(i int) (float64, bool) {
	if i < 0 || i >= len(s.Bins) {
		return 0, false
	}
	return s.Bins[i], true
}

// Option configures an [Analyzer].
type Option func(*Analyzer)

// WithDecibelRange overrides the dB range mapped onto 0..255.
func WithDecibelRange(minDB, maxDB float64) Option {
	return func(a *Analyzer) {
		a.minDB = minDB
		a.maxDB = maxDB
	}
}

// Analyzer converts audio frames into spectra using a fixed transform window.
// It is safe for concurrent use; concurrent calls serialise on the shared
// FFT plan.
type Analyzer struct {
	windowSize   int
	minDB, maxDB float64

	mu     sync.Mutex
	fft    *fourier.FFT
	seq    []float64
	coeffs []complex128
}

// NewAnalyzer returns an Analyzer with the given transform window size, which
// must be a power of two between 32 and 32768. A size of zero selects
// [DefaultWindowSize].
func NewAnalyzer(windowSize int, opts ...Option) (*Analyzer, error) {
	if windowSize == 0 {
		windowSize = DefaultWindowSize
	}
	if windowSize < minWindowSize || windowSize > maxWindowSize || bits.OnesCount(uint(windowSize)) != 1 {
		return nil, fmt.Errorf("spectrum: window size %d must be a power of two in [%d, %d]", windowSize, minWindowSize, maxWindowSize)
	}
	a := &Analyzer{
		windowSize: windowSize,
		minDB:      DefaultMinDecibels,
		maxDB:      DefaultMaxDecibels,
		fft:        fourier.NewFFT(windowSize),
		seq:        make([]float64, windowSize),
		coeffs:     make([]complex128, windowSize/2+1),
	}
	for _, o := range opts {
		o(a)
	}
	if a.maxDB <= a.minDB {
		return nil, fmt.Errorf("spectrum: decibel range [%v, %v] is empty", a.minDB, a.maxDB)
	}
	return a, nil
}

// WindowSize returns the transform window in samples.
func (a *Analyzer) WindowSize() int { return a.windowSize }

// DefaultBufferLength returns the bin count of a full analysis, windowSize/2.
func (a *Analyzer) DefaultBufferLength() int { return a.windowSize / 2 }

// Analyze returns the spectrum of frame.
//
// Multi-channel frames are down-mixed to mono. The most recent windowSize
// samples are analysed; shorter frames are zero padded at the front so the
// newest sample always sits at the end of the window. bufferLength selects how
// many bins are returned and must be in [1, windowSize/2].
//
// Analyze fails with [*InvalidFrameError] if the frame holds no samples, the
// sample rate is non-positive, or bufferLength is out of range.
func (a *Analyzer) Analyze(frame audio.AudioFrame, sampleRate, bufferLength int) (Spectrum, error) {
	if sampleRate <= 0 {
		return Spectrum{}, &InvalidFrameError{Reason: fmt.Sprintf("non-positive sample rate %d", sampleRate)}
	}
	if bufferLength < 1 || bufferLength > a.windowSize/2 {
		return Spectrum{}, &InvalidFrameError{Reason: fmt.Sprintf("buffer length %d outside [1, %d]", bufferLength, a.windowSize/2)}
	}
	samples := audio.MonoFloats(frame)
	if len(samples) == 0 {
		return Spectrum{}, &InvalidFrameError{Reason: "frame holds no samples"}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	clear(a.seq)
	if len(samples) > a.windowSize {
		samples = samples[len(samples)-a.windowSize:]
	}
	copy(a.seq[a.windowSize-len(samples):], samples)
	window.Blackman(a.seq)
	a.coeffs = a.fft.Coefficients(a.coeffs, a.seq)

	bins := make([]float64, bufferLength)
	n := float64(a.windowSize)
	scale := 255 / (a.maxDB - a.minDB)
	for i := range bins {
		c := a.coeffs[i]
		mag := math.Hypot(real(c), imag(c)) / n
		db := 20 * math.Log10(mag)
		if math.IsInf(db, -1) {
			continue
		}
		bins[i] = math.Max(0, math.Min(255, math.Floor(scale*(db-a.minDB))))
	}
	return Spectrum{Bins: bins, SampleRate: sampleRate}, nil
}
