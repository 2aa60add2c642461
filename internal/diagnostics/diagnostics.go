// Package diagnostics offers an offline re-transcription path for
// recordings captured alongside a live session: given the raw PCM a caller
// saved during a turn, it calls the provider's batch transcription API to
// produce a second, independently-computed transcript an operator can diff
// against what FinalizeTranscript returned. It sits outside the relay core
// and is never on the hot path.
package diagnostics

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/AssemblyAI/assemblyai-go-sdk"
)

// Recheck wraps the provider's batch transcription client for post-hoc
// verification of streaming output.
type Recheck struct {
	client *assemblyai.Client
}

// New constructs a Recheck. apiKey must be non-empty; batch rechecking is an
// optional diagnostic tool, not part of the relay's startup contract.
func New(apiKey string) (*Recheck, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("diagnostics: api key must not be empty")
	}
	return &Recheck{client: assemblyai.NewClient(apiKey)}, nil
}

// Transcribe re-runs batch transcription over a complete recording and
// returns the provider's text, for comparison against the live accumulator.
func (r *Recheck) Transcribe(ctx context.Context, audio []byte) (string, error) {
	transcript, err := r.client.Transcripts.TranscribeFromReader(ctx, bytes.NewReader(audio), nil)
	if err != nil {
		return "", fmt.Errorf("diagnostics: batch transcription failed: %w", err)
	}
	if transcript.Text == nil {
		return "", fmt.Errorf("diagnostics: batch transcription completed with no text")
	}
	return *transcript.Text, nil
}

// TranscribeStream is the io.Reader variant, used when the recording is
// streamed off disk rather than held in memory.
func (r *Recheck) TranscribeStream(ctx context.Context, reader io.Reader) (string, error) {
	transcript, err := r.client.Transcripts.TranscribeFromReader(ctx, reader, nil)
	if err != nil {
		return "", fmt.Errorf("diagnostics: batch transcription failed: %w", err)
	}
	if transcript.Text == nil {
		return "", fmt.Errorf("diagnostics: batch transcription completed with no text")
	}
	return *transcript.Text, nil
}
