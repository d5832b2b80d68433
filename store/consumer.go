package store

import (
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	natsutil "github.com/kthomas/go-natsutil"
	"github.com/nats-io/nats.go"

	"github.com/avellum/ledger/common"
	commitments "github.com/avellum/ledger/store/providers"
)

const natsNotificationSubject = "avellum.ledger.notification.>"
const natsNotificationConsumerName = "avellum.ledger.notification.commitment"
const natsNotificationMaxInFlight = 32
const notificationAckWait = time.Second * 30
const notificationMaxDeliveries = 10

const chronicleStoreName = "ledger.chronicle"
const registryStoreName = "ledger.registry"

// snapshotNotification is the wire envelope published by the instruction
// surface after each committed state transition
type snapshotNotification struct {
	Address  *string `json:"address"`
	Snapshot *string `json:"snapshot"`
}

func init() {
	if !common.ConsumeNATSStreamingSubscriptions {
		common.Log.Debug("store package consumer configured to skip NATS streaming subscription setup")
		return
	}

	natsutil.EstablishSharedNatsConnection(nil)

	var waitGroup sync.WaitGroup

	createNatsNotificationSubscriptions(&waitGroup)
}

func createNatsNotificationSubscriptions(wg *sync.WaitGroup) {
	for i := uint64(0); i < natsutil.GetNatsConsumerConcurrency(); i++ {
		natsutil.RequireNatsJetstreamSubscription(wg,
			notificationAckWait,
			natsNotificationSubject,
			natsNotificationSubject,
			natsNotificationConsumerName,
			consumeNotificationMsg,
			notificationAckWait,
			natsNotificationMaxInFlight,
			notificationMaxDeliveries,
			nil,
		)
	}
}

// consumeNotificationMsg commits a record snapshot to the chronicle and
// registry stores; the chronicle accretes every transition while the registry
// tracks only the latest snapshot per derived address
func consumeNotificationMsg(msg *nats.Msg) {
	defer func() {
		if r := recover(); r != nil {
			common.Log.Warningf("recovered during snapshot commitment; %s", r)
			msg.Nak()
		}
	}()

	common.Log.Debugf("consuming %d-byte NATS snapshot notification on subject: %s", len(msg.Data), msg.Subject)

	notification := &snapshotNotification{}
	err := json.Unmarshal(msg.Data, notification)
	if err != nil {
		common.Log.Warningf("failed to unmarshal snapshot notification; %s", err.Error())
		msg.Term()
		return
	}

	if notification.Address == nil || notification.Snapshot == nil {
		common.Log.Warning("failed to parse snapshot notification; address and snapshot required")
		msg.Term()
		return
	}

	key, err := hex.DecodeString(*notification.Address)
	if err != nil {
		common.Log.Warningf("failed to parse snapshot notification address; %s", err.Error())
		msg.Term()
		return
	}

	chronicle, err := RequireStore(chronicleStoreName, commitments.StoreProviderChronicle)
	if err != nil {
		common.Log.Warningf("failed to resolve chronicle store; %s", err.Error())
		msg.Nak()
		return
	}

	registry, err := RequireStore(registryStoreName, commitments.StoreProviderRegistry)
	if err != nil {
		common.Log.Warningf("failed to resolve registry store; %s", err.Error())
		msg.Nak()
		return
	}

	_, err = chronicle.Insert(key, *notification.Snapshot)
	if err != nil {
		common.Log.Warningf("failed to commit snapshot to chronicle store; %s", err.Error())
		msg.Nak()
		return
	}

	root, err := registry.Insert(key, *notification.Snapshot)
	if err != nil {
		common.Log.Warningf("failed to commit snapshot to registry store; %s", err.Error())
		msg.Nak()
		return
	}

	common.Log.Debugf("committed snapshot for record %s; registry root: %s", *notification.Address, hex.EncodeToString(root))
	msg.Ack()
}
