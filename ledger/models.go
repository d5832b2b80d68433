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

import (
	"time"

	"github.com/avellum/ledger/pda"
	provide "github.com/provideplatform/provide-go/api"
)

// ProtocolState is the singleton record tracking global counters and the
// administrative authority; it is created exactly once by the initialize
// instruction
type ProtocolState struct {
	provide.Model

	Address   *string `sql:"not null" gorm:"unique_index" json:"address"`
	Bump      uint8   `sql:"not null" json:"bump"`
	Authority *string `sql:"not null" json:"authority"`

	TotalAgents  uint32 `sql:"not null;default:0" json:"total_agents"`
	TotalRatings uint64 `sql:"not null;default:0" json:"total_ratings"`
}

// Agent is one registered agent: the external identity it represents plus the
// running stake-weighted aggregate of its ratings
type Agent struct {
	provide.Model

	Address *string `sql:"not null" gorm:"unique_index" json:"address"` // record location, derived from the identity key
	Bump    uint8   `sql:"not null" json:"bump"`

	Identity *string `sql:"not null" json:"identity"` // external identity key; immutable

	TrustScore  uint64 `sql:"not null;default:0" json:"trust_score"`
	TotalWeight uint64 `sql:"not null;default:0" json:"total_weight"`
	RatingCount uint32 `sql:"not null;default:0" json:"rating_count"`
	Confidence  uint8  `sql:"not null;default:0" json:"confidence"`
}

// Verifier is one staking wallet; its staked amount is the weight its ratings
// carry
type Verifier struct {
	provide.Model

	Address *string `sql:"not null" gorm:"unique_index" json:"address"`
	Bump    uint8   `sql:"not null" json:"bump"`

	Authority    *string `sql:"not null" json:"authority"` // wallet identity; immutable
	StakedAmount uint64  `sql:"not null;default:0" json:"staked_amount"`
}

// Rating is the current contribution of one verifier to one agent; it is the
// sole source of truth for the weight that verifier contributes to the
// agent's aggregate, so repeat ratings overwrite it in place
type Rating struct {
	provide.Model

	Address *string `sql:"not null" gorm:"unique_index" json:"address"`
	Bump    uint8   `sql:"not null" json:"bump"`

	Authority *string `sql:"not null" json:"authority"` // verifier identity
	Agent     *string `sql:"not null" json:"agent"`     // agent record address

	Score        uint8     `sql:"not null" json:"score"`
	StakedWeight uint64    `sql:"not null" json:"staked_weight"`
	RatedAt      time.Time `sql:"not null" json:"rated_at"`
}

// Custody is the program-controlled pool credited by every stake transfer; it
// is only ever additively credited
type Custody struct {
	provide.Model

	Address *string `sql:"not null" gorm:"unique_index" json:"address"`
	Bump    uint8   `sql:"not null" json:"bump"`

	PooledAmount uint64 `sql:"not null;default:0" json:"pooled_amount"`
}

// StakeDeposit is the immutable record of a single transfer into custody
type StakeDeposit struct {
	provide.Model

	Authority *string `sql:"not null" json:"authority"`
	Verifier  *string `sql:"not null" json:"verifier"` // verifier record address
	Amount    uint64  `sql:"not null" json:"amount"`
}

// AuthorityAddress parses the verifier's wallet identity
func (v *Verifier) AuthorityAddress() (pda.Address, error) {
	if v.Authority == nil {
		return pda.Address{}, instructionError(CodeInconsistentState, "verifier %s has no authority", v.ID)
	}
	return pda.ParseAddress(*v.Authority)
}

// IdentityAddress parses the agent's external identity key
func (a *Agent) IdentityAddress() (pda.Address, error) {
	if a.Identity == nil {
		return pda.Address{}, instructionError(CodeInconsistentState, "agent %s has no identity", a.ID)
	}
	return pda.ParseAddress(*a.Identity)
}

// aggregate returns the agent's current aggregate for the trust-score engine
func (a *Agent) aggregate() Aggregate {
	return Aggregate{
		TrustScore:  a.TrustScore,
		TotalWeight: a.TotalWeight,
	}
}

// contribution returns the rating's current contribution as known to the
// agent aggregate it points at
func (r *Rating) contribution() Contribution {
	return Contribution{
		Score:  r.Score,
		Weight: r.StakedWeight,
	}
}
