package ledger

import (
	"crypto/sha256"
	"testing"

	"github.com/jinzhu/gorm"
	_ "github.com/jinzhu/gorm/dialects/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avellum/ledger/pda"
)

// testSchema mirrors ops/migrations/0001_initial.up.sql in sqlite terms; the
// postgres DDL (and the uuid default carried on the shared model) does not
// parse under the sqlite dialect
var testSchema = []string{
	`CREATE TABLE protocol_states (
		id text PRIMARY KEY DEFAULT (lower(hex(randomblob(16)))),
		created_at timestamp,
		address text NOT NULL UNIQUE,
		bump integer NOT NULL,
		authority text NOT NULL,
		total_agents integer NOT NULL DEFAULT 0,
		total_ratings integer NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE agents (
		id text PRIMARY KEY DEFAULT (lower(hex(randomblob(16)))),
		created_at timestamp,
		address text NOT NULL UNIQUE,
		bump integer NOT NULL,
		identity text NOT NULL UNIQUE,
		trust_score integer NOT NULL DEFAULT 0,
		total_weight integer NOT NULL DEFAULT 0,
		rating_count integer NOT NULL DEFAULT 0,
		confidence integer NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE verifiers (
		id text PRIMARY KEY DEFAULT (lower(hex(randomblob(16)))),
		created_at timestamp,
		address text NOT NULL UNIQUE,
		bump integer NOT NULL,
		authority text NOT NULL UNIQUE,
		staked_amount integer NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE ratings (
		id text PRIMARY KEY DEFAULT (lower(hex(randomblob(16)))),
		created_at timestamp,
		address text NOT NULL UNIQUE,
		bump integer NOT NULL,
		authority text NOT NULL,
		agent text NOT NULL,
		score integer NOT NULL,
		staked_weight integer NOT NULL,
		rated_at timestamp NOT NULL
	)`,
	`CREATE TABLE custodies (
		id text PRIMARY KEY DEFAULT (lower(hex(randomblob(16)))),
		created_at timestamp,
		address text NOT NULL UNIQUE,
		bump integer NOT NULL,
		pooled_amount integer NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE stake_deposits (
		id text PRIMARY KEY DEFAULT (lower(hex(randomblob(16)))),
		created_at timestamp,
		authority text NOT NULL,
		verifier text NOT NULL,
		amount integer NOT NULL
	)`,
}

func testDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open("sqlite3", ":memory:")
	require.Nil(t, err)
	t.Cleanup(func() { db.Close() })

	// a second pooled connection would see its own empty :memory: database
	db.DB().SetMaxOpenConns(1)

	for _, ddl := range testSchema {
		result := db.Exec(ddl)
		require.Empty(t, result.GetErrors())
	}
	return db
}

func testAddr(label string) pda.Address {
	digest := sha256.Sum256([]byte(label))
	addr, _ := pda.AddressFromBytes(digest[:])
	return addr
}

func TestInitialize(t *testing.T) {
	db := testDB(t)
	authority := testAddr("protocol-authority")

	state, err := Initialize(db, authority)
	require.Nil(t, err)

	assert.Equal(t, authority.Hex(), *state.Authority)
	assert.Equal(t, uint32(0), state.TotalAgents)
	assert.Equal(t, uint64(0), state.TotalRatings)

	expected, bump, err := ProtocolStateAddress()
	require.Nil(t, err)
	assert.Equal(t, expected.Hex(), *state.Address)
	assert.Equal(t, bump, state.Bump)
}

func TestInitializeTwiceFails(t *testing.T) {
	db := testDB(t)

	_, err := Initialize(db, testAddr("protocol-authority"))
	require.Nil(t, err)

	_, err = Initialize(db, testAddr("impostor"))
	require.NotNil(t, err)
	assert.Equal(t, CodeAlreadyInitialized, ErrorCode(err))
}

func TestRegisterAgent(t *testing.T) {
	db := testDB(t)
	authority := testAddr("protocol-authority")
	identity := testAddr("agent-1")

	_, err := Initialize(db, authority)
	require.Nil(t, err)

	agent, err := RegisterAgent(db, authority, identity)
	require.Nil(t, err)

	assert.Equal(t, identity.Hex(), *agent.Identity)
	assert.Equal(t, uint64(0), agent.TrustScore)
	assert.Equal(t, uint64(0), agent.TotalWeight)
	assert.Equal(t, uint32(0), agent.RatingCount)
	assert.Equal(t, uint8(0), agent.Confidence)

	state, err := FindProtocolState(db)
	require.Nil(t, err)
	assert.Equal(t, uint32(1), state.TotalAgents)
}

func TestRegisterAgentRequiresAuthority(t *testing.T) {
	db := testDB(t)
	identity := testAddr("agent-1")

	_, err := Initialize(db, testAddr("protocol-authority"))
	require.Nil(t, err)

	_, err = RegisterAgent(db, testAddr("impostor"), identity)
	require.NotNil(t, err)
	assert.Equal(t, CodeUnauthorized, ErrorCode(err))

	// the rejected call must leave no agent record behind
	_, err = FindAgent(db, identity)
	require.NotNil(t, err)
	assert.Equal(t, CodeAccountNotFound, ErrorCode(err))

	state, err := FindProtocolState(db)
	require.Nil(t, err)
	assert.Equal(t, uint32(0), state.TotalAgents)
}

func TestRegisterAgentTwiceFails(t *testing.T) {
	db := testDB(t)
	authority := testAddr("protocol-authority")
	identity := testAddr("agent-1")

	_, err := Initialize(db, authority)
	require.Nil(t, err)

	_, err = RegisterAgent(db, authority, identity)
	require.Nil(t, err)

	_, err = RegisterAgent(db, authority, identity)
	require.NotNil(t, err)
	assert.Equal(t, CodeAlreadyExists, ErrorCode(err))

	state, err := FindProtocolState(db)
	require.Nil(t, err)
	assert.Equal(t, uint32(1), state.TotalAgents)
}

func TestRegisterAgentRequiresInitialization(t *testing.T) {
	db := testDB(t)

	_, err := RegisterAgent(db, testAddr("protocol-authority"), testAddr("agent-1"))
	require.NotNil(t, err)
	assert.Equal(t, CodeAccountNotFound, ErrorCode(err))
}

func TestStakeInit(t *testing.T) {
	db := testDB(t)
	authority := testAddr("verifier-1")

	verifier, err := StakeInit(db, authority, 1000000)
	require.Nil(t, err)

	assert.Equal(t, authority.Hex(), *verifier.Authority)
	assert.Equal(t, uint64(1000000), verifier.StakedAmount)

	custody, err := FindCustody(db)
	require.Nil(t, err)
	assert.Equal(t, uint64(1000000), custody.PooledAmount)

	var deposits []*StakeDeposit
	db.Find(&deposits)
	require.Len(t, deposits, 1)
	assert.Equal(t, uint64(1000000), deposits[0].Amount)
	assert.Equal(t, *verifier.Address, *deposits[0].Verifier)
}

func TestStakeInitRejectsZeroAmount(t *testing.T) {
	db := testDB(t)

	_, err := StakeInit(db, testAddr("verifier-1"), 0)
	require.NotNil(t, err)
	assert.Equal(t, CodeInvalidStakeAmount, ErrorCode(err))
}

func TestStakeInitTwiceFails(t *testing.T) {
	db := testDB(t)
	authority := testAddr("verifier-1")

	_, err := StakeInit(db, authority, 1000)
	require.Nil(t, err)

	_, err = StakeInit(db, authority, 2000)
	require.NotNil(t, err)
	assert.Equal(t, CodeAlreadyExists, ErrorCode(err))

	custody, err := FindCustody(db)
	require.Nil(t, err)
	assert.Equal(t, uint64(1000), custody.PooledAmount)
}

func TestStakeAdd(t *testing.T) {
	db := testDB(t)
	authority := testAddr("verifier-1")

	_, err := StakeInit(db, authority, 1000)
	require.Nil(t, err)

	verifier, err := StakeAdd(db, authority, 500)
	require.Nil(t, err)
	assert.Equal(t, uint64(1500), verifier.StakedAmount)

	custody, err := FindCustody(db)
	require.Nil(t, err)
	assert.Equal(t, uint64(1500), custody.PooledAmount)

	var deposits []*StakeDeposit
	db.Find(&deposits)
	assert.Len(t, deposits, 2)
}

func TestStakeAddWithoutInitFails(t *testing.T) {
	db := testDB(t)

	_, err := StakeAdd(db, testAddr("verifier-1"), 500)
	require.NotNil(t, err)
	assert.Equal(t, CodeAccountNotFound, ErrorCode(err))
}

func TestStakeAddRejectsZeroAmount(t *testing.T) {
	db := testDB(t)
	authority := testAddr("verifier-1")

	_, err := StakeInit(db, authority, 1000)
	require.Nil(t, err)

	_, err = StakeAdd(db, authority, 0)
	require.NotNil(t, err)
	assert.Equal(t, CodeInvalidStakeAmount, ErrorCode(err))
}

func registerTestAgent(t *testing.T, db *gorm.DB, identity pda.Address) {
	authority := testAddr("protocol-authority")

	state, err := FindProtocolState(db)
	if err != nil {
		state, err = Initialize(db, authority)
		require.Nil(t, err)
	}

	_, err = RegisterAgent(db, testAddrFromHex(t, *state.Authority), identity)
	require.Nil(t, err)
}

func testAddrFromHex(t *testing.T, hexAddr string) pda.Address {
	addr, err := pda.ParseAddress(hexAddr)
	require.Nil(t, err)
	return addr
}

func TestRateAgent(t *testing.T) {
	db := testDB(t)
	identity := testAddr("agent-1")
	rater := testAddr("verifier-1")

	registerTestAgent(t, db, identity)

	_, err := StakeInit(db, rater, 1000000)
	require.Nil(t, err)

	rating, err := RateAgent(db, rater, identity, 80)
	require.Nil(t, err)

	assert.Equal(t, uint8(80), rating.Score)
	assert.Equal(t, uint64(1000000), rating.StakedWeight)

	agent, err := FindAgent(db, identity)
	require.Nil(t, err)
	assert.Equal(t, uint64(80), agent.TrustScore)
	assert.Equal(t, uint64(1000000), agent.TotalWeight)
	assert.Equal(t, uint32(1), agent.RatingCount)
	assert.Equal(t, uint8(0), agent.Confidence)

	state, err := FindProtocolState(db)
	require.Nil(t, err)
	assert.Equal(t, uint64(1), state.TotalRatings)
}

func TestRateAgentStakeWeightedAverage(t *testing.T) {
	db := testDB(t)
	identity := testAddr("agent-1")

	registerTestAgent(t, db, identity)

	_, err := StakeInit(db, testAddr("verifier-1"), 1000000)
	require.Nil(t, err)
	_, err = StakeInit(db, testAddr("verifier-2"), 3000000)
	require.Nil(t, err)

	_, err = RateAgent(db, testAddr("verifier-1"), identity, 80)
	require.Nil(t, err)
	_, err = RateAgent(db, testAddr("verifier-2"), identity, 40)
	require.Nil(t, err)

	agent, err := FindAgent(db, identity)
	require.Nil(t, err)
	assert.Equal(t, uint64(50), agent.TrustScore)
	assert.Equal(t, uint64(4000000), agent.TotalWeight)
	assert.Equal(t, uint32(2), agent.RatingCount)
}

func TestRateAgentRevision(t *testing.T) {
	db := testDB(t)
	identity := testAddr("agent-1")

	registerTestAgent(t, db, identity)

	_, err := StakeInit(db, testAddr("verifier-1"), 1000000)
	require.Nil(t, err)
	_, err = StakeInit(db, testAddr("verifier-2"), 3000000)
	require.Nil(t, err)

	_, err = RateAgent(db, testAddr("verifier-1"), identity, 80)
	require.Nil(t, err)
	_, err = RateAgent(db, testAddr("verifier-2"), identity, 40)
	require.Nil(t, err)

	// the revision overwrites the verifier's standing contribution; the
	// aggregate moves to (50×4M − 80×1M + 100×1M) / 4M = 55
	rating, err := RateAgent(db, testAddr("verifier-1"), identity, 100)
	require.Nil(t, err)
	assert.Equal(t, uint8(100), rating.Score)

	agent, err := FindAgent(db, identity)
	require.Nil(t, err)
	assert.Equal(t, uint64(55), agent.TrustScore)
	assert.Equal(t, uint64(4000000), agent.TotalWeight)
	assert.Equal(t, uint32(2), agent.RatingCount) // distinct raters, not events

	state, err := FindProtocolState(db)
	require.Nil(t, err)
	assert.Equal(t, uint64(3), state.TotalRatings)

	ratings, err := AgentRatings(db, testAddrFromHex(t, *agent.Address))
	require.Nil(t, err)
	assert.Len(t, ratings, 2)
}

func TestRateAgentRevisionResyncsWeight(t *testing.T) {
	db := testDB(t)
	identity := testAddr("agent-1")
	rater := testAddr("verifier-1")

	registerTestAgent(t, db, identity)

	_, err := StakeInit(db, rater, 1000000)
	require.Nil(t, err)

	_, err = RateAgent(db, rater, identity, 80)
	require.Nil(t, err)

	// a later deposit leaves the standing rating's weight untouched...
	_, err = StakeAdd(db, rater, 4000000)
	require.Nil(t, err)

	rating, err := FindRating(db, rater, agentRecordForTest(t, identity))
	require.Nil(t, err)
	assert.Equal(t, uint64(1000000), rating.StakedWeight)

	// ...until the verifier rates again
	rating, err = RateAgent(db, rater, identity, 60)
	require.Nil(t, err)
	assert.Equal(t, uint64(5000000), rating.StakedWeight)

	agent, err := FindAgent(db, identity)
	require.Nil(t, err)
	assert.Equal(t, uint64(60), agent.TrustScore)
	assert.Equal(t, uint64(5000000), agent.TotalWeight)
}

func agentRecordForTest(t *testing.T, identity pda.Address) pda.Address {
	addr, _, err := AgentRecordAddress(identity)
	require.Nil(t, err)
	return addr
}

func TestRateAgentDownwardRevisionAfterTruncationDrift(t *testing.T) {
	db := testDB(t)
	identity := testAddr("agent-1")

	registerTestAgent(t, db, identity)

	_, err := StakeInit(db, testAddr("verifier-1"), 1)
	require.Nil(t, err)
	_, err = StakeInit(db, testAddr("verifier-2"), 1000)
	require.Nil(t, err)

	// (100×1 + 0×1000) / 1001 truncates to 0
	_, err = RateAgent(db, testAddr("verifier-1"), identity, 100)
	require.Nil(t, err)
	_, err = RateAgent(db, testAddr("verifier-2"), identity, 0)
	require.Nil(t, err)

	agent, err := FindAgent(db, identity)
	require.Nil(t, err)
	require.Equal(t, uint64(0), agent.TrustScore)

	// the truncated aggregate no longer carries the first verifier's
	// remainder mass; their downward revision must still apply
	_, err = RateAgent(db, testAddr("verifier-1"), identity, 0)
	require.Nil(t, err)

	agent, err = FindAgent(db, identity)
	require.Nil(t, err)
	assert.Equal(t, uint64(0), agent.TrustScore)
	assert.Equal(t, uint64(1001), agent.TotalWeight)
	assert.Equal(t, uint32(2), agent.RatingCount)
}

func TestRateAgentRejectsOutOfRangeScore(t *testing.T) {
	db := testDB(t)
	identity := testAddr("agent-1")
	rater := testAddr("verifier-1")

	registerTestAgent(t, db, identity)

	_, err := StakeInit(db, rater, 1000)
	require.Nil(t, err)

	_, err = RateAgent(db, rater, identity, 101)
	require.NotNil(t, err)
	assert.Equal(t, CodeInvalidScore, ErrorCode(err))

	_, err = RateAgent(db, rater, identity, 0)
	assert.Nil(t, err)

	_, err = RateAgent(db, rater, identity, 100)
	assert.Nil(t, err)
}

func TestRateAgentRequiresStake(t *testing.T) {
	db := testDB(t)
	identity := testAddr("agent-1")

	registerTestAgent(t, db, identity)

	_, err := RateAgent(db, testAddr("verifier-1"), identity, 50)
	require.NotNil(t, err)
	assert.Equal(t, CodeNoStake, ErrorCode(err))
}

func TestRateAgentUnknownAgent(t *testing.T) {
	db := testDB(t)
	rater := testAddr("verifier-1")

	_, err := Initialize(db, testAddr("protocol-authority"))
	require.Nil(t, err)

	_, err = StakeInit(db, rater, 1000)
	require.Nil(t, err)

	_, err = RateAgent(db, rater, testAddr("agent-unregistered"), 50)
	require.NotNil(t, err)
	assert.Equal(t, CodeAccountNotFound, ErrorCode(err))
}

func TestRateAgentConfidenceThreshold(t *testing.T) {
	db := testDB(t)
	identity := testAddr("agent-1")

	registerTestAgent(t, db, identity)

	raters := []string{"verifier-1", "verifier-2", "verifier-3", "verifier-4", "verifier-5"}
	for i, label := range raters {
		rater := testAddr(label)
		_, err := StakeInit(db, rater, 1000)
		require.Nil(t, err)

		_, err = RateAgent(db, rater, identity, 70)
		require.Nil(t, err)

		agent, err := FindAgent(db, identity)
		require.Nil(t, err)
		assert.Equal(t, uint32(i+1), agent.RatingCount)
		if i+1 < int(MinRatingsForConfidence) {
			assert.Equal(t, uint8(0), agent.Confidence)
		} else {
			assert.Equal(t, uint8(1), agent.Confidence)
		}
	}
}

func TestRateAgentRejectionRollsBack(t *testing.T) {
	db := testDB(t)
	identity := testAddr("agent-1")
	rater := testAddr("verifier-1")

	registerTestAgent(t, db, identity)

	_, err := StakeInit(db, rater, 1000)
	require.Nil(t, err)

	_, err = RateAgent(db, rater, identity, 50)
	require.Nil(t, err)

	_, err = RateAgent(db, rater, identity, 101)
	require.NotNil(t, err)

	// the rejected revision must leave aggregate, rating and counters intact
	agent, err := FindAgent(db, identity)
	require.Nil(t, err)
	assert.Equal(t, uint64(50), agent.TrustScore)
	assert.Equal(t, uint64(1000), agent.TotalWeight)
	assert.Equal(t, uint32(1), agent.RatingCount)

	rating, err := FindRating(db, rater, agentRecordForTest(t, identity))
	require.Nil(t, err)
	assert.Equal(t, uint8(50), rating.Score)

	state, err := FindProtocolState(db)
	require.Nil(t, err)
	assert.Equal(t, uint64(1), state.TotalRatings)
}

func TestRatingsIsolatedPerAgent(t *testing.T) {
	db := testDB(t)
	first := testAddr("agent-1")
	second := testAddr("agent-2")
	rater := testAddr("verifier-1")

	registerTestAgent(t, db, first)
	registerTestAgent(t, db, second)

	_, err := StakeInit(db, rater, 1000)
	require.Nil(t, err)

	_, err = RateAgent(db, rater, first, 90)
	require.Nil(t, err)
	_, err = RateAgent(db, rater, second, 10)
	require.Nil(t, err)

	agent, err := FindAgent(db, first)
	require.Nil(t, err)
	assert.Equal(t, uint64(90), agent.TrustScore)

	agent, err = FindAgent(db, second)
	require.Nil(t, err)
	assert.Equal(t, uint64(10), agent.TrustScore)
}
