package ingress

import (
	"encoding/binary"
	"math"
)

// activityGate is an optional energy-threshold pre-filter: ingress can use
// it to avoid forwarding pure silence upstream, trading a little detection
// latency (a smoothing window over consecutive frames) for fewer wasted
// chunks against the provider's per-connection audio budget. It is a
// front-door concern only — the relay core forwards whatever bytes it is
// given and has no opinion on voice activity.
type activityGate struct {
	energyThreshold    float64
	silenceCounter     int
	voiceCounter       int
	minVoiceDuration   int
	minSilenceDuration int
	buffer             []bool
	bufferIndex        int
	voiced             bool
}

func newActivityGate() *activityGate {
	const bufferSize = 5
	return &activityGate{
		energyThreshold:    1000.0,
		minVoiceDuration:   3,
		minSilenceDuration: 5,
		buffer:             make([]bool, bufferSize),
	}
}

// hasVoice reports whether chunk (16-bit PCM) should be treated as voiced
// audio, smoothing over a short window of recent frames.
func (g *activityGate) hasVoice(chunk []byte) bool {
	if len(chunk) < 2 {
		return false
	}

	samples := make([]int16, len(chunk)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(chunk[i*2 : i*2+2]))
	}

	energy := rms(samples)
	aboveThreshold := energy > g.energyThreshold

	g.buffer[g.bufferIndex] = aboveThreshold
	g.bufferIndex = (g.bufferIndex + 1) % len(g.buffer)

	trueCount := 0
	for _, v := range g.buffer {
		if v {
			trueCount++
		}
	}
	smoothed := trueCount > len(g.buffer)/2

	if smoothed {
		g.voiceCounter++
		g.silenceCounter = 0
		if g.voiceCounter >= g.minVoiceDuration {
			g.voiced = true
		}
		return g.voiceCounter >= g.minVoiceDuration
	}
	g.silenceCounter++
	g.voiceCounter = 0
	if g.silenceCounter >= g.minSilenceDuration {
		g.voiced = false
	}
	return g.voiced
}

func rms(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
