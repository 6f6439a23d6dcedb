package duplex

import (
	"errors"
	"fmt"
)

// ErrNotListening is returned when a speak request arrives outside the
// listening state.
var ErrNotListening = errors.New("duplex: not listening")

// ErrSessionClosed is returned by [Session] methods after teardown.
var ErrSessionClosed = errors.New("duplex: session closed")

// DeviceAcquisitionError reports that the audio device could not be opened.
// It is fatal to session start; no state machine is entered.
type DeviceAcquisitionError struct {
	Err error
}

func (e *DeviceAcquisitionError) Error() string {
	return fmt.Sprintf("duplex: acquire audio device: %v", e.Err)
}

func (e *DeviceAcquisitionError) Unwrap() error { return e.Err }
