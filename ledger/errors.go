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

import "fmt"

// Stable machine codes surfaced to callers; every instruction failure carries
// exactly one of these
const (
	CodeInvalidScore       = "invalid_score"
	CodeInvalidStakeAmount = "invalid_stake_amount"
	CodeNoStake            = "no_stake"
	CodeUnauthorized       = "unauthorized"
	CodeAlreadyExists      = "already_exists"
	CodeAlreadyInitialized = "already_initialized"
	CodeAccountNotFound    = "account_not_found"

	// CodeInconsistentState marks an invariant-defense failure; it should be
	// unreachable given the instruction set and indicates the instruction was
	// aborted rather than allowed to corrupt an aggregate
	CodeInconsistentState = "inconsistent_state"
)

// InstructionError is a synchronous rejection of an instruction; the
// instruction it rejects has no partial effects
type InstructionError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *InstructionError) Error() string {
	return e.Message
}

func instructionError(code, format string, args ...interface{}) *InstructionError {
	return &InstructionError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// ErrorCode returns the machine code carried by an instruction error, or the
// empty string for any other error
func ErrorCode(err error) string {
	if e, ok := err.(*InstructionError); ok {
		return e.Code
	}
	return ""
}
