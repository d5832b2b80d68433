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
	"encoding/hex"
	"encoding/json"
	"fmt"

	natsutil "github.com/kthomas/go-natsutil"

	"github.com/avellum/ledger/common"
)

const natsNotificationSubjectPrefix = "avellum.ledger.notification"

const (
	notificationProtocolInitialized = "protocol.initialized"
	notificationAgentRegistered     = "agent.registered"
	notificationAgentRated          = "agent.rated"
	notificationVerifierStaked      = "verifier.staked"
)

// snapshotter is implemented by every record with a fixed binary layout
type snapshotter interface {
	MarshalRecord() ([]byte, error)
	RecordAddress() (*string, error)
}

// dispatchNotification broadcasts an applied-instruction event carrying the
// record's encoded snapshot so mirrors can ingest state without a read-back
func dispatchNotification(event string, record snapshotter) {
	if !common.ConsumeNATSStreamingSubscriptions {
		common.Log.Tracef("skipping %s notification dispatch; NATS not configured", event)
		return
	}

	addr, err := record.RecordAddress()
	if err != nil {
		common.Log.Warningf("failed to dispatch %s notification; %s", event, err.Error())
		return
	}

	snapshot, err := record.MarshalRecord()
	if err != nil {
		common.Log.Warningf("failed to dispatch %s notification for record %s; %s", event, *addr, err.Error())
		return
	}

	subject := fmt.Sprintf("%s.%s", natsNotificationSubjectPrefix, event)
	payload, _ := json.Marshal(map[string]interface{}{
		"address":  addr,
		"snapshot": hex.EncodeToString(snapshot),
	})

	_, err = natsutil.NatsJetstreamPublish(subject, payload)
	if err != nil {
		common.Log.Warningf("failed to publish %s notification for record %s; %s", event, *addr, err.Error())
	}
}
