package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when a streaming channel is abandoned
// mid-stream (e.g., synthesized audio after playback was cancelled).
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
