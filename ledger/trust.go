/*
 * Copyright 2024-2026 Avellum
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package ledger

import "math/big"

// MaxScore is the upper bound of the score domain
const MaxScore = uint8(100)

// MinRatingsForConfidence is the number of distinct raters required before an
// agent's confidence flag is raised
const MinRatingsForConfidence = uint32(5)

// Aggregate is the incrementally maintained stake-weighted average for one
// agent: TrustScore = Σ(score_i × weight_i) / Σ(weight_i) over the current
// set of per-verifier contributions
type Aggregate struct {
	TrustScore  uint64
	TotalWeight uint64
}

// Contribution is one verifier's current (score, stake-weight) input to an
// agent's aggregate
type Contribution struct {
	Score  uint8
	Weight uint64
}

// Apply folds a contribution into the aggregate and returns the successor
// aggregate. A nil previous contribution is a first-time rating; a non-nil
// previous contribution is removed and replaced in a single combined step so
// the denominator is never transiently shrunk.
//
// Products are computed over big integers; the single division per update
// truncates, matching the wide-accumulator truncation of the wire format this
// ledger is snapshot-compatible with.
func (a Aggregate) Apply(previous *Contribution, current Contribution) (Aggregate, error) {
	if current.Score > MaxScore {
		return Aggregate{}, instructionError(CodeInvalidScore, "score must be between 0 and %d", MaxScore)
	}
	if current.Weight == 0 {
		return Aggregate{}, instructionError(CodeNoStake, "contribution carries no stake weight")
	}

	// numerator = trustScore×totalWeight − oldScore×oldWeight + score×weight
	numerator := new(big.Int).Mul(
		new(big.Int).SetUint64(a.TrustScore),
		new(big.Int).SetUint64(a.TotalWeight),
	)
	denominator := new(big.Int).SetUint64(a.TotalWeight)

	if previous != nil {
		numerator.Sub(numerator, new(big.Int).Mul(
			new(big.Int).SetUint64(uint64(previous.Score)),
			new(big.Int).SetUint64(previous.Weight),
		))
		denominator.Sub(denominator, new(big.Int).SetUint64(previous.Weight))
	}

	numerator.Add(numerator, new(big.Int).Mul(
		new(big.Int).SetUint64(uint64(current.Score)),
		new(big.Int).SetUint64(current.Weight),
	))
	denominator.Add(denominator, new(big.Int).SetUint64(current.Weight))

	if denominator.Sign() <= 0 {
		return Aggregate{}, instructionError(CodeInconsistentState, "aggregate update would drive total weight to %s", denominator.String())
	}

	// the stored trust score truncated away remainder mass, so removing a
	// contribution can overshoot the reconstructed numerator; the untruncated
	// aggregate in that case rounds down to 0
	if numerator.Sign() < 0 {
		numerator.SetInt64(0)
	}

	if !denominator.IsUint64() {
		return Aggregate{}, instructionError(CodeInconsistentState, "total weight overflows the aggregate accumulator")
	}

	score := new(big.Int).Quo(numerator, denominator)
	if !score.IsUint64() || score.Uint64() > uint64(MaxScore) {
		return Aggregate{}, instructionError(CodeInconsistentState, "aggregate trust score %s escaped the score domain", score.String())
	}

	return Aggregate{
		TrustScore:  score.Uint64(),
		TotalWeight: denominator.Uint64(),
	}, nil
}

// ConfidenceFlag derives the confidence flag from the number of distinct
// raters
func ConfidenceFlag(ratingCount uint32) uint8 {
	if ratingCount >= MinRatingsForConfidence {
		return 1
	}
	return 0
}
