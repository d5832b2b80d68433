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
	"fmt"
	"time"

	"github.com/jinzhu/gorm"
	redisutil "github.com/kthomas/go-redisutil"
	uuid "github.com/kthomas/go.uuid"
	provide "github.com/provideplatform/provide-go/api"

	"github.com/avellum/ledger/common"
	"github.com/avellum/ledger/pda"
)

// newRecordModel pre-assigns the record id so gorm does not back-fill the
// blank uuid primary key from LastInsertId on dialects without RETURNING
func newRecordModel() provide.Model {
	return provide.Model{ID: uuid.Must(uuid.NewV4())}
}

// lockForUpdate adds row-level locking to reads within a transaction; the
// sqlite dialect used by package tests has no FOR UPDATE and serializes on
// the database handle instead
func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialect().GetName() == "postgres" {
		return tx.Set("gorm:query_option", "FOR UPDATE")
	}
	return tx
}

// withAgentLock serializes the rate-agent critical section per agent record
// across service instances; the agent row is the contention point, every
// verifier rating the same agent writes it
func withAgentLock(agentRecord string, fn func() error) error {
	if !common.DistributedLockingEnabled {
		return fn()
	}
	return redisutil.WithRedlock(fmt.Sprintf("avellum.ledger.agent.%s", agentRecord), fn)
}

// Initialize creates the protocol state singleton with the caller as its
// administrative authority. At most one creation can claim the derived
// address; a losing racer fails with already_initialized.
func Initialize(db *gorm.DB, authority pda.Address) (*ProtocolState, error) {
	addr, bump, err := ProtocolStateAddress()
	if err != nil {
		return nil, err
	}

	var state *ProtocolState

	err = withTransaction(db, func(tx *gorm.DB) error {
		existing := &ProtocolState{}
		tx.Where("address = ?", addr.Hex()).Find(&existing)
		if existing.Address != nil {
			return instructionError(CodeAlreadyInitialized, "protocol state already initialized at %s", addr.Hex())
		}

		state = &ProtocolState{
			Model:        newRecordModel(),
			Address:      common.StringOrNil(addr.Hex()),
			Bump:         bump,
			Authority:    common.StringOrNil(authority.Hex()),
			TotalAgents:  0,
			TotalRatings: 0,
		}

		result := tx.Create(&state)
		if len(result.GetErrors()) > 0 {
			return instructionError(CodeAlreadyInitialized, "failed to claim protocol state address %s; %s", addr.Hex(), result.GetErrors()[0].Error())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	common.Log.Debugf("initialized protocol state at %s; authority: %s", addr.Hex(), authority.Hex())
	dispatchNotification(notificationProtocolInitialized, state)
	return state, nil
}

// RegisterAgent creates the agent record for the given external identity key;
// admin-only
func RegisterAgent(db *gorm.DB, authority, identity pda.Address) (*Agent, error) {
	addr, bump, err := AgentRecordAddress(identity)
	if err != nil {
		return nil, err
	}

	var agent *Agent

	err = withTransaction(db, func(tx *gorm.DB) error {
		state, err := requireProtocolState(tx)
		if err != nil {
			return err
		}

		if *state.Authority != authority.Hex() {
			return instructionError(CodeUnauthorized, "caller %s is not the protocol authority", authority.Hex())
		}

		existing := &Agent{}
		tx.Where("address = ?", addr.Hex()).Find(&existing)
		if existing.Address != nil {
			return instructionError(CodeAlreadyExists, "agent record already exists at %s", addr.Hex())
		}

		agent = &Agent{
			Model:       newRecordModel(),
			Address:     common.StringOrNil(addr.Hex()),
			Bump:        bump,
			Identity:    common.StringOrNil(identity.Hex()),
			TrustScore:  0,
			TotalWeight: 0,
			RatingCount: 0,
			Confidence:  0,
		}

		result := tx.Create(&agent)
		if len(result.GetErrors()) > 0 {
			return instructionError(CodeAlreadyExists, "failed to claim agent record address %s; %s", addr.Hex(), result.GetErrors()[0].Error())
		}

		state.TotalAgents++
		return saveRecord(tx, state)
	})
	if err != nil {
		return nil, err
	}

	common.Log.Debugf("registered agent %s at %s", identity.Hex(), addr.Hex())
	dispatchNotification(notificationAgentRegistered, agent)
	return agent, nil
}

// StakeInit creates the verifier record for the caller and transfers the
// staked amount into custody; called once per wallet, use StakeAdd for
// subsequent deposits
func StakeInit(db *gorm.DB, authority pda.Address, amount uint64) (*Verifier, error) {
	if amount == 0 {
		return nil, instructionError(CodeInvalidStakeAmount, "stake amount must be greater than 0")
	}

	addr, bump, err := VerifierRecordAddress(authority)
	if err != nil {
		return nil, err
	}

	var verifier *Verifier

	err = withTransaction(db, func(tx *gorm.DB) error {
		existing := &Verifier{}
		tx.Where("address = ?", addr.Hex()).Find(&existing)
		if existing.Address != nil {
			return instructionError(CodeAlreadyExists, "verifier record already exists at %s; use stake add", addr.Hex())
		}

		verifier = &Verifier{
			Model:        newRecordModel(),
			Address:      common.StringOrNil(addr.Hex()),
			Bump:         bump,
			Authority:    common.StringOrNil(authority.Hex()),
			StakedAmount: amount,
		}

		result := tx.Create(&verifier)
		if len(result.GetErrors()) > 0 {
			return instructionError(CodeAlreadyExists, "failed to claim verifier record address %s; %s", addr.Hex(), result.GetErrors()[0].Error())
		}

		return transferToCustody(tx, authority, addr, amount)
	})
	if err != nil {
		return nil, err
	}

	common.Log.Debugf("initialized verifier %s with stake %d", addr.Hex(), amount)
	dispatchNotification(notificationVerifierStaked, verifier)
	return verifier, nil
}

// StakeAdd transfers an additional amount into custody for an existing
// verifier. The increase does not retroactively touch any rating's weight;
// weight is re-synced on the verifier's next rate-agent call.
func StakeAdd(db *gorm.DB, authority pda.Address, amount uint64) (*Verifier, error) {
	if amount == 0 {
		return nil, instructionError(CodeInvalidStakeAmount, "stake amount must be greater than 0")
	}

	addr, _, err := VerifierRecordAddress(authority)
	if err != nil {
		return nil, err
	}

	var verifier *Verifier

	err = withTransaction(db, func(tx *gorm.DB) error {
		verifier = &Verifier{}
		lockForUpdate(tx).Where("address = ?", addr.Hex()).Find(&verifier)
		if verifier.Address == nil {
			return instructionError(CodeAccountNotFound, "no verifier record exists at %s; use stake init", addr.Hex())
		}

		if *verifier.Authority != authority.Hex() {
			return instructionError(CodeUnauthorized, "caller %s does not own verifier record %s", authority.Hex(), addr.Hex())
		}

		next := verifier.StakedAmount + amount
		if next < verifier.StakedAmount {
			return instructionError(CodeInconsistentState, "stake amount overflows verifier %s", addr.Hex())
		}
		verifier.StakedAmount = next

		if err := saveRecord(tx, verifier); err != nil {
			return err
		}

		return transferToCustody(tx, authority, addr, amount)
	})
	if err != nil {
		return nil, err
	}

	common.Log.Debugf("added %d stake to verifier %s; staked amount: %d", amount, addr.Hex(), verifier.StakedAmount)
	dispatchNotification(notificationVerifierStaked, verifier)
	return verifier, nil
}

// RateAgent applies the caller's score for the given agent identity to the
// agent's aggregate. A first-time rating creates the rating record; a repeat
// rating overwrites it, removing the old contribution and adding the new one
// in a single combined step, re-syncing the weight to the verifier's current
// stake.
func RateAgent(db *gorm.DB, authority, identity pda.Address, score uint8) (*Rating, error) {
	if score > MaxScore {
		return nil, instructionError(CodeInvalidScore, "score must be between 0 and %d", MaxScore)
	}

	agentAddr, _, err := AgentRecordAddress(identity)
	if err != nil {
		return nil, err
	}

	verifierAddr, _, err := VerifierRecordAddress(authority)
	if err != nil {
		return nil, err
	}

	ratingAddr, ratingBump, err := RatingRecordAddress(authority, agentAddr)
	if err != nil {
		return nil, err
	}

	var rating *Rating

	err = withAgentLock(agentAddr.Hex(), func() error {
		return withTransaction(db, func(tx *gorm.DB) error {
			state, err := requireProtocolState(tx)
			if err != nil {
				return err
			}

			verifier := &Verifier{}
			lockForUpdate(tx).Where("address = ?", verifierAddr.Hex()).Find(&verifier)
			if verifier.Address == nil || verifier.StakedAmount == 0 {
				return instructionError(CodeNoStake, "caller %s must stake before rating", authority.Hex())
			}

			if *verifier.Authority != authority.Hex() {
				return instructionError(CodeUnauthorized, "caller %s does not own verifier record %s", authority.Hex(), verifierAddr.Hex())
			}

			agent := &Agent{}
			lockForUpdate(tx).Where("address = ?", agentAddr.Hex()).Find(&agent)
			if agent.Address == nil {
				return instructionError(CodeAccountNotFound, "no agent record exists at %s", agentAddr.Hex())
			}

			current := Contribution{
				Score:  score,
				Weight: verifier.StakedAmount,
			}

			rating = &Rating{}
			lockForUpdate(tx).Where("address = ?", ratingAddr.Hex()).Find(&rating)

			if rating.Address == nil {
				next, err := agent.aggregate().Apply(nil, current)
				if err != nil {
					return err
				}

				rating = &Rating{
					Model:        newRecordModel(),
					Address:      common.StringOrNil(ratingAddr.Hex()),
					Bump:         ratingBump,
					Authority:    common.StringOrNil(authority.Hex()),
					Agent:        common.StringOrNil(agentAddr.Hex()),
					Score:        score,
					StakedWeight: verifier.StakedAmount,
					RatedAt:      time.Now(),
				}

				result := tx.Create(&rating)
				if len(result.GetErrors()) > 0 {
					return instructionError(CodeAlreadyExists, "failed to claim rating record address %s; %s", ratingAddr.Hex(), result.GetErrors()[0].Error())
				}

				agent.TrustScore = next.TrustScore
				agent.TotalWeight = next.TotalWeight
				agent.RatingCount++
			} else {
				previous := rating.contribution()
				next, err := agent.aggregate().Apply(&previous, current)
				if err != nil {
					return err
				}

				rating.Score = score
				rating.StakedWeight = verifier.StakedAmount
				rating.RatedAt = time.Now()
				if err := saveRecord(tx, rating); err != nil {
					return err
				}

				agent.TrustScore = next.TrustScore
				agent.TotalWeight = next.TotalWeight
				// rating count tracks distinct verifiers, not rating events
			}

			agent.Confidence = ConfidenceFlag(agent.RatingCount)
			if err := saveRecord(tx, agent); err != nil {
				return err
			}

			state.TotalRatings++
			return saveRecord(tx, state)
		})
	})
	if err != nil {
		return nil, err
	}

	common.Log.Debugf("applied rating %d from %s for agent record %s", score, authority.Hex(), agentAddr.Hex())
	dispatchNotification(notificationAgentRated, rating)
	return rating, nil
}

// withTransaction wraps an instruction body in a transaction; any error rolls
// back every effect so a failed call leaves all records unchanged
func withTransaction(db *gorm.DB, fn func(tx *gorm.DB) error) error {
	tx := db.Begin()
	if len(tx.GetErrors()) > 0 {
		return tx.GetErrors()[0]
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	result := tx.Commit()
	if len(result.GetErrors()) > 0 {
		return result.GetErrors()[0]
	}
	return nil
}

// requireProtocolState loads the protocol state singleton for update
func requireProtocolState(tx *gorm.DB) (*ProtocolState, error) {
	addr, _, err := ProtocolStateAddress()
	if err != nil {
		return nil, err
	}

	state := &ProtocolState{}
	lockForUpdate(tx).Where("address = ?", addr.Hex()).Find(&state)
	if state.Address == nil {
		return nil, instructionError(CodeAccountNotFound, "protocol state has not been initialized")
	}
	return state, nil
}

// transferToCustody atomically credits the custody pool and records the
// deposit; the pool is only ever additively credited
func transferToCustody(tx *gorm.DB, authority, verifierAddr pda.Address, amount uint64) error {
	addr, bump, err := CustodyAddress()
	if err != nil {
		return err
	}

	custody := &Custody{}
	lockForUpdate(tx).Where("address = ?", addr.Hex()).Find(&custody)
	if custody.Address == nil {
		custody = &Custody{
			Model:        newRecordModel(),
			Address:      common.StringOrNil(addr.Hex()),
			Bump:         bump,
			PooledAmount: amount,
		}
		result := tx.Create(&custody)
		if len(result.GetErrors()) > 0 {
			return result.GetErrors()[0]
		}
	} else {
		next := custody.PooledAmount + amount
		if next < custody.PooledAmount {
			return instructionError(CodeInconsistentState, "custody pool overflow")
		}
		custody.PooledAmount = next
		if err := saveRecord(tx, custody); err != nil {
			return err
		}
	}

	deposit := &StakeDeposit{
		Model:     newRecordModel(),
		Authority: common.StringOrNil(authority.Hex()),
		Verifier:  common.StringOrNil(verifierAddr.Hex()),
		Amount:    amount,
	}
	result := tx.Create(&deposit)
	if len(result.GetErrors()) > 0 {
		return result.GetErrors()[0]
	}
	return nil
}

func saveRecord(tx *gorm.DB, record interface{}) error {
	result := tx.Save(record)
	if len(result.GetErrors()) > 0 {
		return result.GetErrors()[0]
	}
	return nil
}
