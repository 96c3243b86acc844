package audit

import (
	"context"
	"encoding/hex"
	"log/slog"

	"github.com/bookapi/bookaudit/internal/chain"
)

// Status is the outcome of a chain verification.
type Status string

const (
	StatusIntact   Status = "intact"
	StatusTampered Status = "tampered"
)

// Reason explains why verification stopped at TamperedAt.
type Reason string

const (
	// ReasonHashMismatch: the stored entry hash differs from the replayed one
	// (the entry or one of its predecessors was altered).
	ReasonHashMismatch Reason = "hash_mismatch"

	// ReasonSignatureMismatch: the hash replays correctly but the seal was
	// not produced with the key in effect at that position.
	ReasonSignatureMismatch Reason = "signature_mismatch"

	// ReasonSequenceGap: an expected sequence number is missing (deleted entry).
	ReasonSequenceGap Reason = "sequence_gap"

	// ReasonKeyMismatch: every entry verified but the stored chain key is
	// not the key the replay arrived at (trailing entries removed or the key
	// record rewritten).
	ReasonKeyMismatch Reason = "key_mismatch"
)

// VerifyResult holds the outcome of a hash chain verification.
// Positions before TamperedAt are certified intact; positions at or after
// it are not.
type VerifyResult struct {
	Status       Status `json:"status"`
	CheckedCount int    `json:"checked_count"`
	TamperedAt   uint64 `json:"tampered_at,omitempty"`
	Reason       Reason `json:"reason,omitempty"`
	ExpectedHash string `json:"expected_hash,omitempty"`
	ActualHash   string `json:"actual_hash,omitempty"`
}

// Intact reports whether the whole examined log verified.
func (r VerifyResult) Intact() bool {
	return r.Status == StatusIntact
}

// Verify replays the chain from genesis and reports the first point of
// divergence.
//
// Only the entries visible when verification starts are examined, so
// appends that commit while Verify runs do not affect the result. Tampering
// is reported through the result, never as an error; errors mean the
// verifier itself could not run (store failure, uninitialized log,
// cancellation between entries).
func (l *Log) Verify(ctx context.Context) (VerifyResult, error) {
	if len(l.genesisKey) == 0 {
		return VerifyResult{}, ErrGenesisKeyRequired
	}

	snap, err := l.store.Snapshot(ctx)
	if err != nil {
		return VerifyResult{}, l.storeErr(ctx, err)
	}

	res := VerifyResult{Status: StatusIntact}
	tampered := func(at uint64, reason Reason) VerifyResult {
		res.Status = StatusTampered
		res.TamperedAt = at
		res.Reason = reason
		slog.Warn("audit chain verification failed",
			"at", at, "reason", reason, "checked", res.CheckedCount)
		return res
	}

	expHash := chain.Genesis()
	expKey := l.genesisKey
	next := uint64(1)

	for next <= snap.LastSeq {
		page, err := l.store.Range(ctx, next, snap.LastSeq, pageSize)
		if err != nil {
			return VerifyResult{}, l.storeErr(ctx, err)
		}
		if len(page) == 0 {
			return tampered(next, ReasonSequenceGap), nil
		}

		for _, e := range page {
			if err := ctx.Err(); err != nil {
				return VerifyResult{}, err
			}
			if e.Seq != next {
				return tampered(next, ReasonSequenceGap), nil
			}

			h := chain.EntryHash(expHash, e.Timestamp, e.Message)
			if !chain.Equal(h, e.Hash) {
				res.ExpectedHash = hex.EncodeToString(h)
				res.ActualHash = hex.EncodeToString(e.Hash)
				return tampered(e.Seq, ReasonHashMismatch), nil
			}
			if !chain.VerifySeal(e.Signature, expKey, h) {
				return tampered(e.Seq, ReasonSignatureMismatch), nil
			}

			expKey = chain.NextKey(expKey, e.Timestamp, e.Message)
			expHash = h
			res.CheckedCount++
			next++
		}
	}

	if !chain.Equal(expKey, snap.Key) {
		return tampered(snap.LastSeq+1, ReasonKeyMismatch), nil
	}

	slog.Info("audit chain verified", "entries", res.CheckedCount)
	return res, nil
}
