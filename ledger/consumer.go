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
	"fmt"
	"sync"
	"time"

	dbconf "github.com/kthomas/go-db-config"
	natsutil "github.com/kthomas/go-natsutil"
	"github.com/nats-io/nats.go"

	"github.com/avellum/ledger/common"
	"github.com/avellum/ledger/pda"
)

const defaultNatsStream = "avellum"

const natsRateAgentSubject = "avellum.ledger.rate.pending"
const natsRateAgentMaxInFlight = 32
const rateAgentAckWait = time.Minute * 1
const rateAgentMaxDeliveries = 5

func init() {
	if !common.ConsumeNATSStreamingSubscriptions {
		common.Log.Debug("ledger package consumer configured to skip NATS streaming subscription setup")
		return
	}

	natsutil.EstablishSharedNatsConnection(nil)
	natsutil.NatsCreateStream(defaultNatsStream, []string{
		fmt.Sprintf("%s.>", defaultNatsStream),
	})

	var waitGroup sync.WaitGroup

	createNatsRateAgentSubscriptions(&waitGroup)
}

func createNatsRateAgentSubscriptions(wg *sync.WaitGroup) {
	for i := uint64(0); i < natsutil.GetNatsConsumerConcurrency(); i++ {
		natsutil.RequireNatsJetstreamSubscription(wg,
			rateAgentAckWait,
			natsRateAgentSubject,
			natsRateAgentSubject,
			natsRateAgentSubject,
			consumeRateAgentMsg,
			rateAgentAckWait,
			natsRateAgentMaxInFlight,
			rateAgentMaxDeliveries,
			nil,
		)
	}
}

// consumeRateAgentMsg applies an asynchronously submitted rate instruction;
// instruction rejections are terminal, redelivery cannot make them succeed
func consumeRateAgentMsg(msg *nats.Msg) {
	defer func() {
		if r := recover(); r != nil {
			common.Log.Warningf("recovered during async rate instruction; %s", r)
			msg.Nak()
		}
	}()

	common.Log.Debugf("consuming %d-byte NATS rate instruction on subject: %s", len(msg.Data), msg.Subject)

	params := &instructionParams{}
	err := json.Unmarshal(msg.Data, params)
	if err != nil {
		common.Log.Warningf("failed to unmarshal rate instruction; %s", err.Error())
		msg.Nak()
		return
	}

	if params.Authority == nil || params.Identity == nil || params.Score == nil {
		common.Log.Warning("failed to parse rate instruction; authority, identity and score required")
		msg.Term()
		return
	}

	authority, err := pda.ParseAddress(*params.Authority)
	if err != nil {
		common.Log.Warningf("failed to parse rate instruction authority; %s", err.Error())
		msg.Term()
		return
	}

	identity, err := pda.ParseAddress(*params.Identity)
	if err != nil {
		common.Log.Warningf("failed to parse rate instruction agent identity; %s", err.Error())
		msg.Term()
		return
	}

	if *params.Score < 0 || *params.Score > int(MaxScore) {
		common.Log.Warningf("rejected rate instruction from %s; score %d out of range", authority.Hex(), *params.Score)
		msg.Term()
		return
	}

	db := dbconf.DatabaseConnection()

	_, err = RateAgent(db, authority, identity, uint8(*params.Score))
	if err != nil {
		if ErrorCode(err) != "" {
			common.Log.Warningf("rejected rate instruction from %s; %s", authority.Hex(), err.Error())
			msg.Term()
			return
		}
		common.Log.Warningf("failed to apply rate instruction from %s; %s", authority.Hex(), err.Error())
		msg.Nak()
		return
	}

	msg.Ack()
}
