package ingress

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func silentChunk(n int) []byte {
	return make([]byte, n*2)
}

func loudChunk(n int) []byte {
	buf := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(30000))
	}
	return buf
}

func TestActivityGate_SilenceNeverConfirmsVoice(t *testing.T) {
	g := newActivityGate()
	for i := 0; i < 10; i++ {
		require.False(t, g.hasVoice(silentChunk(160)))
	}
}

func TestActivityGate_SustainedLoudAudioConfirmsVoice(t *testing.T) {
	g := newActivityGate()
	var last bool
	for i := 0; i < 10; i++ {
		last = g.hasVoice(loudChunk(160))
	}
	require.True(t, last)
}

func TestActivityGate_TooShortChunkIsNotVoice(t *testing.T) {
	g := newActivityGate()
	require.False(t, g.hasVoice([]byte{0x01}))
}
