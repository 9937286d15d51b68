package domain

import (
	"math"
	"time"
)

// Chunk is one stored, compressed, time-bounded run of samples for a channel.
// Start and End are inclusive bounds of the samples held in Payload.
type Chunk struct {
	ChannelID  string    // opaque channel identifier
	Start      time.Time // time of first sample (UTC, microsecond precision)
	End        time.Time // time of last sample
	SampleRate float64   // samples per second
	DType      DType     // element type of the decompressed payload
	Payload    []byte    // compressed sample buffer
}

// ExpectedSamples returns round((End-Start)*SampleRate)+1.
func (c *Chunk) ExpectedSamples() int {
	if c.SampleRate <= 0 || c.End.Before(c.Start) {
		return 0
	}
	return int(math.Round(c.End.Sub(c.Start).Seconds()*c.SampleRate)) + 1
}

// Overlaps reports whether the chunk intersects [start, end] inclusive.
func (c *Chunk) Overlaps(start, end time.Time) bool {
	return !c.Start.After(end) && !c.End.Before(start)
}

// ChunkEnd returns the time of the last of n samples starting at start.
func ChunkEnd(start time.Time, sampleRate float64, n int) time.Time {
	if n <= 1 || sampleRate <= 0 {
		return start
	}
	return start.Add(SecondsToDuration(float64(n-1) / sampleRate))
}

// Microseconds normalises t to UTC at the storage precision.
func Microseconds(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// SecondsToDuration converts fractional seconds to a Duration rounded to the nanosecond.
func SecondsToDuration(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}
