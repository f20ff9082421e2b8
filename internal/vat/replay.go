package vat

import (
	"context"
	"encoding/json"
	"fmt"

	"go.ocapkernel.dev/kernel/internal/dispatch"
)

// ReplayTranscript redrives handle's worker through every previously
// persisted dispatch, in order, so a respawned worker reaches the same
// state as before a restart. A worker whose replayed syscalls don't match
// the recorded transcript is considered diverged; per the open-question
// decision in SPEC_FULL.md, divergence terminates the vat rather than
// attempting partial recovery.
func ReplayTranscript(ctx context.Context, handle *Handle, records [][]byte) error {
	handle.SetReplaying(true)
	defer handle.SetReplaying(false)

	for i, raw := range records {
		var record dispatch.TranscriptRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			return fmt.Errorf("vat: corrupt transcript record %d: %w", i, err)
		}
		outcome, err := handle.Dispatch(ctx, record.Dispatch)
		if err != nil {
			return fmt.Errorf("vat: replay of record %d failed: %w", i, err)
		}
		if len(outcome.Transcript.Syscalls) != len(record.Syscalls) {
			return fmt.Errorf("vat: transcript divergence at record %d: recorded %d syscalls, replay produced %d",
				i, len(record.Syscalls), len(outcome.Transcript.Syscalls))
		}
		for j, want := range record.Syscalls {
			got := outcome.Transcript.Syscalls[j]
			if got.Name != want.Name {
				return fmt.Errorf("vat: transcript divergence at record %d syscall %d: recorded %q, replay produced %q",
					i, j, want.Name, got.Name)
			}
		}
	}
	return nil
}
