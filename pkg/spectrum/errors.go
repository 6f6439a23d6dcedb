package spectrum

import "errors"

// ErrInvalidFrame is matched by every [*InvalidFrameError] via errors.Is.
var ErrInvalidFrame = errors.New("spectrum: invalid frame")

// InvalidFrameError reports a frame that cannot be analysed. It is a per-frame
// condition: callers drop the frame and continue with the next one.
type InvalidFrameError struct {
	Reason string
}

func (e *InvalidFrameError) Error() string {
	return "spectrum: invalid frame: " + e.Reason
}

// Is makes errors.Is(err, ErrInvalidFrame) match.
func (e *InvalidFrameError) Is(target error) bool {
	return target == ErrInvalidFrame
}
