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

import "github.com/avellum/ledger/pda"

// Record namespaces; the namespace plus the key material below is the only
// way a record is ever located
const (
	NamespaceProtocol = "protocol"
	NamespaceAgent    = "agent"
	NamespaceVerifier = "verifier"
	NamespaceRating   = "rating"
	NamespaceCustody  = "custody"
)

// ProtocolStateAddress derives the singleton protocol state location
func ProtocolStateAddress() (pda.Address, uint8, error) {
	return pda.Derive(NamespaceProtocol)
}

// CustodyAddress derives the singleton stake custody location
func CustodyAddress() (pda.Address, uint8, error) {
	return pda.Derive(NamespaceCustody)
}

// AgentRecordAddress derives the record location for the agent with the given
// external identity key
func AgentRecordAddress(identity pda.Address) (pda.Address, uint8, error) {
	return pda.Derive(NamespaceAgent, identity.Bytes())
}

// VerifierRecordAddress derives the record location for the given staking
// wallet
func VerifierRecordAddress(authority pda.Address) (pda.Address, uint8, error) {
	return pda.Derive(NamespaceVerifier, authority.Bytes())
}

// RatingRecordAddress derives the record location for the (verifier, agent)
// pair; the agent component is the agent's record address, not its external
// identity
func RatingRecordAddress(authority, agentRecord pda.Address) (pda.Address, uint8, error) {
	return pda.Derive(NamespaceRating, authority.Bytes(), agentRecord.Bytes())
}
