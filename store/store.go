package store

import (
	"fmt"

	dbconf "github.com/kthomas/go-db-config"
	uuid "github.com/kthomas/go.uuid"
	provide "github.com/provideplatform/provide-go/api"

	"github.com/avellum/ledger/common"
	"github.com/avellum/ledger/state"
	commitments "github.com/avellum/ledger/store/providers"
)

// Store is a durable commitment tree over ledger record snapshots
type Store struct {
	provide.Model

	Name        *string `json:"name"`
	Description *string `json:"description"`
	Provider    *string `sql:"not null" json:"provider"`
}

// Find returns the store for the given identifier
func Find(storeID uuid.UUID) *Store {
	db := dbconf.DatabaseConnection()
	store := &Store{}
	db.Where("id = ?", storeID).Find(&store)
	if store == nil || store.ID == uuid.Nil {
		return nil
	}
	return store
}

// FindByName returns the store with the given name
func FindByName(name string) *Store {
	db := dbconf.DatabaseConnection()
	store := &Store{}
	db.Where("name = ?", name).Find(&store)
	if store == nil || store.ID == uuid.Nil {
		return nil
	}
	return store
}

// RequireStore resolves the named store, creating it with the given provider
// when it does not yet exist
func RequireStore(name, provider string) (*Store, error) {
	store := FindByName(name)
	if store != nil {
		return store, nil
	}

	store = &Store{
		Name:     common.StringOrNil(name),
		Provider: common.StringOrNil(provider),
	}
	if !store.Create() {
		if len(store.Errors) > 0 {
			return nil, fmt.Errorf("failed to initialize %s store: %s; %s", provider, name, *store.Errors[0].Message)
		}
		return nil, fmt.Errorf("failed to initialize %s store: %s", provider, name)
	}

	return store, nil
}

func (s *Store) storeProviderFactory() commitments.StoreProvider {
	if s.Provider == nil {
		common.Log.Warning("failed to initialize store provider; no provider defined")
		return nil
	}

	switch *s.Provider {
	case commitments.StoreProviderChronicle:
		return commitments.InitChronicleStoreProvider(s.ID)
	case commitments.StoreProviderRegistry:
		return commitments.InitRegistryStoreProvider(s.ID)
	default:
		common.Log.Warningf("failed to initialize store provider; unknown provider: %s", *s.Provider)
	}

	return nil
}

// Create a store
func (s *Store) Create() bool {
	if !s.validate() {
		return false
	}

	db := dbconf.DatabaseConnection()

	if db.NewRecord(s) {
		result := db.Create(&s)
		rowsAffected := result.RowsAffected
		errors := result.GetErrors()
		if len(errors) > 0 {
			for _, err := range errors {
				s.Errors = append(s.Errors, &provide.Error{
					Message: common.StringOrNil(err.Error()),
				})
			}
		}
		if !db.NewRecord(s) {
			success := rowsAffected > 0
			if success {
				common.Log.Debugf("initialized %s store: %s", *s.Provider, s.ID)
			}

			return success
		}
	}

	return false
}

// validate the store params
func (s *Store) validate() bool {
	s.Errors = make([]*provide.Error, 0)

	if s.Provider == nil {
		s.Errors = append(s.Errors, &provide.Error{
			Message: common.StringOrNil("store provider required"),
		})
	} else if *s.Provider != commitments.StoreProviderChronicle && *s.Provider != commitments.StoreProviderRegistry {
		s.Errors = append(s.Errors, &provide.Error{
			Message: common.StringOrNil(fmt.Sprintf("unknown store provider: %s", *s.Provider)),
		})
	}

	return len(s.Errors) == 0
}

// Contains verifies the given snapshot is committed at the given key
func (s *Store) Contains(key []byte, val string) bool {
	provider := s.storeProviderFactory()
	if provider == nil {
		return false
	}
	return provider.Contains(key, val)
}

// Get returns the committed snapshot at the given key
func (s *Store) Get(key []byte) ([]byte, error) {
	provider := s.storeProviderFactory()
	if provider == nil {
		return nil, fmt.Errorf("failed to resolve provider for store: %s", s.ID)
	}
	return provider.Get(key)
}

// Height returns the height of the underlying commitment tree
func (s *Store) Height() int {
	provider := s.storeProviderFactory()
	if provider == nil {
		return 0
	}
	return provider.Height()
}

// Insert commits the given snapshot at the given key, returning the new root
func (s *Store) Insert(key []byte, val string) ([]byte, error) {
	provider := s.storeProviderFactory()
	if provider == nil {
		return nil, fmt.Errorf("failed to resolve provider for store: %s", s.ID)
	}
	return provider.Insert(key, val)
}

// Length returns the number of committed snapshots
func (s *Store) Length() int {
	provider := s.storeProviderFactory()
	if provider == nil {
		return 0
	}
	return provider.Length()
}

// Root returns the current commitment root
func (s *Store) Root() (*string, error) {
	provider := s.storeProviderFactory()
	if provider == nil {
		return nil, fmt.Errorf("failed to resolve provider for store: %s", s.ID)
	}
	return provider.Root()
}

// StateAt returns the store's committed state at the given epoch
func (s *Store) StateAt(epoch uint64) (*state.State, error) {
	provider := s.storeProviderFactory()
	if provider == nil {
		return nil, fmt.Errorf("failed to resolve provider for store: %s", s.ID)
	}

	root, err := provider.Root()
	if err != nil {
		return nil, err
	}

	claims := []*state.StateClaim{
		{
			Cardinality: uint64(provider.Length()),
			Path:        []string{},
			Root:        root,
			Values:      []string{},
		},
	}

	stateID, _ := uuid.NewV4()
	return &state.State{
		ID:          stateID,
		StoreID:     &s.ID,
		Epoch:       epoch,
		StateClaims: claims,
	}, nil
}
