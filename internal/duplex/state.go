package duplex

import "fmt"

// State is the interaction state of a [Controller].
type State int32

const (
	// StateIdle is the initial state and the state after teardown.
	StateIdle State = iota
	// StateListening means the recognizer owns the capture pipeline.
	StateListening
	// StateSpeaking means a synthesized utterance is playing.
	StateSpeaking
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateSpeaking:
		return "speaking"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}
