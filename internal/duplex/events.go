package duplex

import "github.com/MrWong99/duplexa/pkg/audio"

// Event is an input to [Controller.Dispatch]. Recognizer results, utterance
// completions and timer fires are all delivered as events, so the controller
// behaves the same whether they arrive by callback, channel or a direct call.
type Event interface {
	isEvent()
}

// Start moves an idle controller to listening.
type Start struct{}

// Stop tears the interaction down from any state.
type Stop struct{}

// FrameCaptured carries one captured audio frame.
type FrameCaptured struct {
	Frame audio.AudioFrame
}

// PromptDue asks the controller to speak the configured prompt. It is only
// honoured while listening. The zero value is always honoured; values posted
// by the prompt timer are dropped once that timer has been disarmed.
type PromptDue struct {
	seq uint64
}

// SpeakRequested asks the controller to speak Text. It is only honoured
// while listening.
type SpeakRequested struct {
	Text string

	// reply, when set, receives the Dispatch result.
	reply chan<- error
}

// UtteranceEnded reports that the utterance with the given ID finished.
// Err is nil on normal completion.
type UtteranceEnded struct {
	ID  uint64
	Err error
}

// TranscriptReceived carries one recognizer result.
type TranscriptReceived struct {
	Text    string
	IsFinal bool
}

func (Start) isEvent()              {}
func (Stop) isEvent()               {}
func (FrameCaptured) isEvent()      {}
func (PromptDue) isEvent()          {}
func (SpeakRequested) isEvent()     {}
func (UtteranceEnded) isEvent()     {}
func (TranscriptReceived) isEvent() {}
