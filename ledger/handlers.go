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
	"encoding/json"

	"github.com/gin-gonic/gin"
	dbconf "github.com/kthomas/go-db-config"
	provide "github.com/provideplatform/provide-go/common"
	util "github.com/provideplatform/provide-go/common/util"

	"github.com/avellum/ledger/pda"
)

// instructionParams is the transport envelope for instruction arguments;
// identities are hex-encoded derived-address key material
type instructionParams struct {
	Authority *string `json:"authority"`
	Identity  *string `json:"identity"`
	Amount    *uint64 `json:"amount"`
	Score     *int    `json:"score"`
}

// InstallAPI registers the ledger instruction surface and snapshot reads with
// gin; the handlers are a thin transport adapter over the instruction
// interface
func InstallAPI(r *gin.Engine) {
	r.GET("/api/v1/protocol", protocolStateHandler)
	r.POST("/api/v1/protocol", initializeProtocolHandler)

	r.GET("/api/v1/agents", listAgentsHandler)
	r.POST("/api/v1/agents", registerAgentHandler)
	r.GET("/api/v1/agents/:identity", agentDetailsHandler)
	r.GET("/api/v1/agents/:identity/ratings", agentRatingsHandler)
	r.POST("/api/v1/agents/:identity/ratings", rateAgentHandler)

	r.GET("/api/v1/verifiers/:authority", verifierDetailsHandler)
	r.POST("/api/v1/verifiers", stakeInitHandler)
	r.POST("/api/v1/verifiers/:authority/deposits", stakeAddHandler)

	r.GET("/api/v1/custody", custodyHandler)
}

// renderInstructionError maps instruction error codes onto transport status
func renderInstructionError(err error, c *gin.Context) {
	status := 500
	switch ErrorCode(err) {
	case CodeInvalidScore, CodeInvalidStakeAmount, CodeNoStake:
		status = 422
	case CodeUnauthorized:
		status = 403
	case CodeAlreadyExists, CodeAlreadyInitialized:
		status = 409
	case CodeAccountNotFound:
		status = 404
	case CodeInconsistentState:
		status = 500
	}
	provide.RenderError(err.Error(), status, c)
}

func parseInstructionParams(c *gin.Context) *instructionParams {
	buf, err := c.GetRawData()
	if err != nil {
		provide.RenderError(err.Error(), 400, c)
		return nil
	}

	params := &instructionParams{}
	err = json.Unmarshal(buf, params)
	if err != nil {
		provide.RenderError(err.Error(), 422, c)
		return nil
	}
	return params
}

func requireAuthorizedSubject(c *gin.Context) bool {
	appID := util.AuthorizedSubjectID(c, "application")
	orgID := util.AuthorizedSubjectID(c, "organization")
	userID := util.AuthorizedSubjectID(c, "user")
	if appID == nil && orgID == nil && userID == nil {
		provide.RenderError("unauthorized", 401, c)
		return false
	}
	return true
}

func parseAddressParam(c *gin.Context, val, name string) (pda.Address, bool) {
	addr, err := pda.ParseAddress(val)
	if err != nil {
		provide.RenderError("malformed "+name, 400, c)
		return pda.Address{}, false
	}
	return addr, true
}

// protocol state snapshot
func protocolStateHandler(c *gin.Context) {
	state, err := FindProtocolState(dbconf.DatabaseConnection())
	if err != nil {
		renderInstructionError(err, c)
		return
	}
	provide.Render(state, 200, c)
}

// one-time protocol initialization
func initializeProtocolHandler(c *gin.Context) {
	if !requireAuthorizedSubject(c) {
		return
	}

	params := parseInstructionParams(c)
	if params == nil {
		return
	}
	if params.Authority == nil {
		provide.RenderError("authority required", 422, c)
		return
	}

	authority, ok := parseAddressParam(c, *params.Authority, "authority")
	if !ok {
		return
	}

	state, err := Initialize(dbconf.DatabaseConnection(), authority)
	if err != nil {
		renderInstructionError(err, c)
		return
	}
	provide.Render(state, 201, c)
}

// list registered agents
func listAgentsHandler(c *gin.Context) {
	db := dbconf.DatabaseConnection()
	query := db.Select("agents.*").Order("agents.created_at")

	var agents []*Agent
	provide.Paginate(c, query, &Agent{}).Find(&agents)
	provide.Render(agents, 200, c)
}

// register a new agent; admin-only
func registerAgentHandler(c *gin.Context) {
	if !requireAuthorizedSubject(c) {
		return
	}

	params := parseInstructionParams(c)
	if params == nil {
		return
	}
	if params.Authority == nil || params.Identity == nil {
		provide.RenderError("authority and identity required", 422, c)
		return
	}

	authority, ok := parseAddressParam(c, *params.Authority, "authority")
	if !ok {
		return
	}
	identity, ok := parseAddressParam(c, *params.Identity, "identity")
	if !ok {
		return
	}

	agent, err := RegisterAgent(dbconf.DatabaseConnection(), authority, identity)
	if err != nil {
		renderInstructionError(err, c)
		return
	}
	provide.Render(agent, 201, c)
}

// fetch agent details
func agentDetailsHandler(c *gin.Context) {
	identity, ok := parseAddressParam(c, c.Param("identity"), "identity")
	if !ok {
		return
	}

	agent, err := FindAgent(dbconf.DatabaseConnection(), identity)
	if err != nil {
		renderInstructionError(err, c)
		return
	}
	provide.Render(agent, 200, c)
}

// fetch the current ratings contributing to an agent's aggregate
func agentRatingsHandler(c *gin.Context) {
	identity, ok := parseAddressParam(c, c.Param("identity"), "identity")
	if !ok {
		return
	}

	db := dbconf.DatabaseConnection()
	agent, err := FindAgent(db, identity)
	if err != nil {
		renderInstructionError(err, c)
		return
	}

	agentRecord, err := pda.ParseAddress(*agent.Address)
	if err != nil {
		provide.RenderError(err.Error(), 500, c)
		return
	}

	ratings, err := AgentRatings(db, agentRecord)
	if err != nil {
		provide.RenderError(err.Error(), 500, c)
		return
	}
	provide.Render(ratings, 200, c)
}

// rate an agent
func rateAgentHandler(c *gin.Context) {
	if !requireAuthorizedSubject(c) {
		return
	}

	identity, ok := parseAddressParam(c, c.Param("identity"), "identity")
	if !ok {
		return
	}

	params := parseInstructionParams(c)
	if params == nil {
		return
	}
	if params.Authority == nil || params.Score == nil {
		provide.RenderError("authority and score required", 422, c)
		return
	}

	authority, ok := parseAddressParam(c, *params.Authority, "authority")
	if !ok {
		return
	}

	if *params.Score < 0 || *params.Score > int(MaxScore) {
		renderInstructionError(instructionError(CodeInvalidScore, "score must be between 0 and %d", MaxScore), c)
		return
	}

	rating, err := RateAgent(dbconf.DatabaseConnection(), authority, identity, uint8(*params.Score))
	if err != nil {
		renderInstructionError(err, c)
		return
	}
	provide.Render(rating, 201, c)
}

// fetch verifier details
func verifierDetailsHandler(c *gin.Context) {
	authority, ok := parseAddressParam(c, c.Param("authority"), "authority")
	if !ok {
		return
	}

	verifier, err := FindVerifier(dbconf.DatabaseConnection(), authority)
	if err != nil {
		renderInstructionError(err, c)
		return
	}
	provide.Render(verifier, 200, c)
}

// create a verifier record and stake
func stakeInitHandler(c *gin.Context) {
	if !requireAuthorizedSubject(c) {
		return
	}

	params := parseInstructionParams(c)
	if params == nil {
		return
	}
	if params.Authority == nil || params.Amount == nil {
		provide.RenderError("authority and amount required", 422, c)
		return
	}

	authority, ok := parseAddressParam(c, *params.Authority, "authority")
	if !ok {
		return
	}

	verifier, err := StakeInit(dbconf.DatabaseConnection(), authority, *params.Amount)
	if err != nil {
		renderInstructionError(err, c)
		return
	}
	provide.Render(verifier, 201, c)
}

// add stake to an existing verifier record
func stakeAddHandler(c *gin.Context) {
	if !requireAuthorizedSubject(c) {
		return
	}

	authority, ok := parseAddressParam(c, c.Param("authority"), "authority")
	if !ok {
		return
	}

	params := parseInstructionParams(c)
	if params == nil {
		return
	}
	if params.Amount == nil {
		provide.RenderError("amount required", 422, c)
		return
	}

	verifier, err := StakeAdd(dbconf.DatabaseConnection(), authority, *params.Amount)
	if err != nil {
		renderInstructionError(err, c)
		return
	}
	provide.Render(verifier, 201, c)
}

// custody pool snapshot
func custodyHandler(c *gin.Context) {
	custody, err := FindCustody(dbconf.DatabaseConnection())
	if err != nil {
		renderInstructionError(err, c)
		return
	}
	provide.Render(custody, 200, c)
}
