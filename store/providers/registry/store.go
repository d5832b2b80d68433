package registry

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"sync"

	"github.com/jinzhu/gorm"
	uuid "github.com/kthomas/go.uuid"
	"github.com/providenetwork/smt"

	"github.com/avellum/ledger/common"
)

// Registry is a sparse merkle commitment keyed by derived record address; it
// commits to the latest snapshot per ledger record
type Registry struct {
	db     *gorm.DB
	hash   hash.Hash
	id     *uuid.UUID
	length int
	mutex  *sync.Mutex
	tree   *smt.SparseMerkleTree
}

// InitRegistry loads the registry identified by the given store id, importing
// the previously committed tree when one exists
func InitRegistry(db *gorm.DB, id uuid.UUID, hash hash.Hash) *Registry {
	tree, length, err := loadTree(db, id, hash)
	if err != nil {
		common.Log.Warningf("failed to load registry store %s; %s", id, err.Error())
		return nil
	}

	if tree == nil {
		tree = smt.NewSparseMerkleTree(smt.NewSimpleMap(), smt.NewSimpleMap(), hash)
	}

	instance := &Registry{
		db:     db,
		hash:   hash,
		id:     &id,
		length: length,
		mutex:  &sync.Mutex{},
		tree:   tree,
	}

	return instance
}

func loadTree(db *gorm.DB, id uuid.UUID, hash hash.Hash) (*smt.SparseMerkleTree, int, error) {
	var tree *smt.SparseMerkleTree
	length := 0

	rows, err := db.Raw(`SELECT nodes, "values", root from trees WHERE store_id = ? ORDER BY id DESC LIMIT 1`, id).Rows()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to resolve registry tree from store: %s; %s", id, err.Error())
	}
	defer rows.Close()

	for rows.Next() {
		var nodesRaw json.RawMessage
		var valuesRaw json.RawMessage
		var root string

		err = rows.Scan(&nodesRaw, &valuesRaw, &root)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan the store for registry tree; %s", err.Error())
		}

		var nodes *smt.SimpleMap
		var values *smt.SimpleMap

		json.Unmarshal(nodesRaw, &nodes)
		json.Unmarshal(valuesRaw, &values)
		rootBytes, _ := hex.DecodeString(root)

		var committed map[string]string
		if json.Unmarshal(valuesRaw, &committed) == nil {
			length = len(committed)
		}

		tree = smt.ImportSparseMerkleTree(
			nodes,
			values,
			hash,
			rootBytes,
		)

		common.Log.Debugf("imported registry tree with root: %s", root)
	}

	return tree, length, nil
}

// commit the current state of the registry tree to the database
func (r *Registry) commit() error {
	nodes, _ := json.Marshal(r.tree.Nodes())
	values, _ := json.Marshal(r.tree.Values())
	root := r.tree.Root()

	result := r.db.Exec(`INSERT INTO trees (store_id, nodes, "values", root) VALUES (?, ?, ?, ?)`, r.id, nodes, values, hex.EncodeToString(root))
	if result.RowsAffected == 0 {
		return fmt.Errorf("failed to persist registry tree within store: %s", r.id)
	}

	return nil
}

// Contains verifies a merkle proof that the record at the given address key
// currently commits to the given snapshot
func (r *Registry) Contains(key []byte, val string) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	proof, err := r.tree.Prove(key)
	if err != nil {
		common.Log.Warningf("failed to generate registry merkle proof; %s", err.Error())
		return false
	}

	return smt.VerifyProof(proof, r.tree.Root(), key, []byte(val), r.hash)
}

// Get returns the latest committed snapshot for the record at the given
// address key
func (r *Registry) Get(key []byte) ([]byte, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.tree.Get(key)
}

// Height returns the height of the sparse tree
func (r *Registry) Height() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.tree.Height()
}

// Insert commits the snapshot for the record at the given address key,
// overwriting any previous snapshot for that record
func (r *Registry) Insert(key []byte, val string) ([]byte, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	previous, _ := r.tree.Get(key)

	root, err := r.tree.Update(key, []byte(val))
	if err != nil {
		return nil, err
	}

	if err := r.commit(); err != nil {
		// invert the update so the in-memory root stays in step with the last
		// committed tree
		if len(previous) == 0 {
			r.tree.Delete(key)
		} else {
			r.tree.Update(key, previous)
		}
		return nil, err
	}

	if len(previous) == 0 {
		r.length++
	}

	common.Log.Debugf("committed registry snapshot for key %s; current root: %s", hex.EncodeToString(key), hex.EncodeToString(r.tree.Root()))
	return root, nil
}

// Length returns the number of distinct records committed
func (r *Registry) Length() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.length
}

// Root returns the hex-encoded sparse merkle root
func (r *Registry) Root() (*string, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.tree.Root() == nil || len(r.tree.Root()) == 0 {
		return nil, errors.New("tree does not contain a valid root")
	}
	return common.StringOrNil(hex.EncodeToString(r.tree.Root())), nil
}
