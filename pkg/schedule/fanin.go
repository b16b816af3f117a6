package schedule

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/heitortanoue/sdeit/pkg/delta"
)

// FanIn pulls every source. Each source's deltas stay a batch of their own,
// so a message that fails verification only rejects the batch it came in.
// A delta delivered by more than one source is kept once.
type FanIn []DeltaSource

// PullBatches returns one non-empty batch per source. Failing sources are
// skipped; their joined errors are returned only when no deltas came back.
func (f FanIn) PullBatches(ctx context.Context, olderThan time.Time) ([][]delta.Message, error) {
	var batches [][]delta.Message
	var seen []delta.Message
	var errs []error

	for _, src := range f {
		msgs, err := src.Pull(ctx, olderThan)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		var batch []delta.Message
		for _, m := range msgs {
			if !containsSignature(seen, m.Signature) {
				seen = append(seen, m)
				batch = append(batch, m)
			}
		}
		if len(batch) > 0 {
			batches = append(batches, batch)
		}
	}

	if len(batches) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return batches, nil
}

// Pull concatenates PullBatches, for callers that apply one batch
func (f FanIn) Pull(ctx context.Context, olderThan time.Time) ([]delta.Message, error) {
	batches, err := f.PullBatches(ctx, olderThan)
	if err != nil {
		return nil, err
	}
	var out []delta.Message
	for _, b := range batches {
		out = append(out, b...)
	}
	return out, nil
}

func containsSignature(msgs []delta.Message, sig []byte) bool {
	for _, m := range msgs {
		if bytes.Equal(m.Signature, sig) {
			return true
		}
	}
	return false
}
