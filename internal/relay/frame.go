package relay

// Frame is one immutable buffer of 16-bit little-endian mono PCM samples
// tagged with its sample rate. Producers hand ownership over when a frame
// enters the queue; nothing mutates a frame after construction.
type Frame struct {
	PCM        []byte
	SampleRate int
}
