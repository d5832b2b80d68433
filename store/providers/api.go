package providers

import (
	"crypto/sha256"
	"hash"

	dbconf "github.com/kthomas/go-db-config"
	uuid "github.com/kthomas/go.uuid"

	"github.com/avellum/ledger/store/providers/chronicle"
	"github.com/avellum/ledger/store/providers/registry"
)

// StoreProviderChronicle is the append-ordered (dense merkle tree) commitment
// provider; it commits to the full chronology of applied instructions
const StoreProviderChronicle = "chronicle"

// StoreProviderRegistry is the record-keyed (sparse merkle tree) commitment
// provider; it commits to the latest snapshot per derived address
const StoreProviderRegistry = "registry"

// StoreProvider is the common interface to the ledger's commitment storage
// facilities
type StoreProvider interface {
	Contains(key []byte, val string) bool
	Get(key []byte) (val []byte, err error)
	Height() int
	Insert(key []byte, val string) (root []byte, err error)
	Root() (root *string, err error)
	Length() int
}

// InitChronicleStoreProvider initializes a durable append-ordered commitment
// tree
func InitChronicleStoreProvider(id uuid.UUID) *chronicle.Chronicle {
	return chronicle.InitChronicle(dbconf.DatabaseConnection(), id, hashFactory())
}

// InitRegistryStoreProvider initializes a durable record-keyed commitment
// tree
func InitRegistryStoreProvider(id uuid.UUID) *registry.Registry {
	return registry.InitRegistry(dbconf.DatabaseConnection(), id, hashFactory())
}

func hashFactory() hash.Hash {
	return sha256.New()
}
