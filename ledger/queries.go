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

// Snapshot reads over the ledger's public state. External collaborators (the
// web frontend, the mirror indexer) only ever read these snapshots; every
// mutation goes through an instruction.

import (
	"github.com/jinzhu/gorm"

	"github.com/avellum/ledger/pda"
)

// FindProtocolState resolves the protocol state singleton
func FindProtocolState(db *gorm.DB) (*ProtocolState, error) {
	addr, _, err := ProtocolStateAddress()
	if err != nil {
		return nil, err
	}

	state := &ProtocolState{}
	db.Where("address = ?", addr.Hex()).Find(&state)
	if state.Address == nil {
		return nil, instructionError(CodeAccountNotFound, "protocol state has not been initialized")
	}
	return state, nil
}

// FindCustody resolves the stake custody singleton; it exists once any
// verifier has staked
func FindCustody(db *gorm.DB) (*Custody, error) {
	addr, _, err := CustodyAddress()
	if err != nil {
		return nil, err
	}

	custody := &Custody{}
	db.Where("address = ?", addr.Hex()).Find(&custody)
	if custody.Address == nil {
		return nil, instructionError(CodeAccountNotFound, "no stake has been transferred to custody")
	}
	return custody, nil
}

// FindAgent resolves the agent record for the given external identity key
func FindAgent(db *gorm.DB, identity pda.Address) (*Agent, error) {
	addr, _, err := AgentRecordAddress(identity)
	if err != nil {
		return nil, err
	}
	return FindAgentByAddress(db, addr)
}

// FindAgentByAddress resolves the agent record at the given derived address
func FindAgentByAddress(db *gorm.DB, addr pda.Address) (*Agent, error) {
	agent := &Agent{}
	db.Where("address = ?", addr.Hex()).Find(&agent)
	if agent.Address == nil {
		return nil, instructionError(CodeAccountNotFound, "no agent record exists at %s", addr.Hex())
	}
	return agent, nil
}

// FindVerifier resolves the verifier record for the given wallet identity
func FindVerifier(db *gorm.DB, authority pda.Address) (*Verifier, error) {
	addr, _, err := VerifierRecordAddress(authority)
	if err != nil {
		return nil, err
	}

	verifier := &Verifier{}
	db.Where("address = ?", addr.Hex()).Find(&verifier)
	if verifier.Address == nil {
		return nil, instructionError(CodeAccountNotFound, "no verifier record exists at %s", addr.Hex())
	}
	return verifier, nil
}

// FindRating resolves the rating record for the given (verifier, agent
// record) pair
func FindRating(db *gorm.DB, authority, agentRecord pda.Address) (*Rating, error) {
	addr, _, err := RatingRecordAddress(authority, agentRecord)
	if err != nil {
		return nil, err
	}

	rating := &Rating{}
	db.Where("address = ?", addr.Hex()).Find(&rating)
	if rating.Address == nil {
		return nil, instructionError(CodeAccountNotFound, "no rating record exists at %s", addr.Hex())
	}
	return rating, nil
}

// AgentRatings returns every current rating pointing at the given agent
// record; replaying only these tuples re-derives the agent's aggregate from
// scratch
func AgentRatings(db *gorm.DB, agentRecord pda.Address) ([]*Rating, error) {
	var ratings []*Rating
	result := db.Where("agent = ?", agentRecord.Hex()).Order("created_at").Find(&ratings)
	if len(result.GetErrors()) > 0 {
		return nil, result.GetErrors()[0]
	}
	return ratings, nil
}
