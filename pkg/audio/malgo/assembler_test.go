package malgo

import (
	"testing"
	"time"

	"github.com/MrWong99/duplexa/pkg/audio"
)

func TestAssembler_CutsFixedFrames(t *testing.T) {
	t.Parallel()
	a := newAssembler(16000, 1, 160) // 10 ms, 320 bytes

	var got []audio.AudioFrame
	emit := func(f audio.AudioFrame) { got = append(got, f) }

	a.push(make([]byte, 300), emit)
	if len(got) != 0 {
		t.Fatalf("frames after 300 bytes = %d, want 0", len(got))
	}
	a.push(make([]byte, 400), emit)
	if len(got) != 2 {
		t.Fatalf("frames after 700 bytes = %d, want 2", len(got))
	}
	for i, f := range got {
		if len(f.Data) != 320 || f.SampleRate != 16000 || f.Channels != 1 {
			t.Errorf("frame %d = %d bytes %s", i, len(f.Data), audio.FormatOf(f))
		}
		if want := time.Duration(i) * 10 * time.Millisecond; f.Timestamp != want {
			t.Errorf("frame %d timestamp = %v, want %v", i, f.Timestamp, want)
		}
	}
	if len(a.buf) != 60 {
		t.Errorf("carried bytes = %d, want 60", len(a.buf))
	}
}

func TestAssembler_StereoFrames(t *testing.T) {
	t.Parallel()
	a := newAssembler(48000, 2, 480)

	var got []audio.AudioFrame
	a.push(make([]byte, 480*4*3), func(f audio.AudioFrame) { got = append(got, f) })
	if len(got) != 3 {
		t.Fatalf("frames = %d, want 3", len(got))
	}
	if got[2].Timestamp != 20*time.Millisecond {
		t.Errorf("third frame timestamp = %v, want 20ms", got[2].Timestamp)
	}
}

func TestAssembler_FramesDoNotAlias(t *testing.T) {
	t.Parallel()
	a := newAssembler(8000, 1, 2)

	var got []audio.AudioFrame
	a.push([]byte{1, 2, 3, 4, 5, 6, 7, 8}, func(f audio.AudioFrame) { got = append(got, f) })
	got[0].Data[0] = 99
	if got[1].Data[0] != 5 {
		t.Errorf("second frame mutated through first: %v", got[1].Data)
	}
}

func TestConfig_Defaults(t *testing.T) {
	t.Parallel()
	c := Config{}.withDefaults()
	if c.SampleRate != DefaultSampleRate || c.Channels != DefaultChannels || c.FrameSize != DefaultFrameSize || c.QueueSize != DefaultQueueSize {
		t.Errorf("withDefaults() = %+v", c)
	}
	if c.Logger == nil {
		t.Error("Logger not defaulted")
	}
}

func TestPlayer_SignalsDoneAfterDrain(t *testing.T) {
	t.Parallel()
	p := &player{buf: []byte{1, 2, 3, 4}, eof: true, done: make(chan error, 1)}

	out := make([]byte, 2)
	p.onData(out, nil, 1)
	select {
	case <-p.done:
		t.Fatal("done signalled before buffer drained")
	default:
	}
	p.onData(out, nil, 1)
	out = []byte{9, 9}
	p.onData(out, nil, 1)
	if out[0] != 0 || out[1] != 0 {
		t.Errorf("underrun not zero filled: %v", out)
	}
	select {
	case err := <-p.done:
		if err != nil {
			t.Errorf("done err = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("done not signalled")
	}
}

func TestAssembler_TimestampAfterDaysOfCapture(t *testing.T) {
	t.Parallel()
	a := newAssembler(44100, 1, 441) // 10 ms
	const uptime = 60 * time.Hour
	a.emitted = 44100 * int64(uptime/time.Second)

	var got []audio.AudioFrame
	a.push(make([]byte, 2*882), func(f audio.AudioFrame) { got = append(got, f) })
	if len(got) != 2 {
		t.Fatalf("frames = %d, want 2", len(got))
	}
	if got[0].Timestamp != uptime {
		t.Errorf("first timestamp = %v, want %v", got[0].Timestamp, uptime)
	}
	if want := uptime + 10*time.Millisecond; got[1].Timestamp != want {
		t.Errorf("second timestamp = %v, want %v", got[1].Timestamp, want)
	}
}
