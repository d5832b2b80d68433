package chronicle

import (
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"math"
	"math/big"
	"sync"

	"github.com/jinzhu/gorm"
	uuid "github.com/kthomas/go.uuid"
	"github.com/providenetwork/merkletree"

	"github.com/avellum/ledger/common"
)

// Chronicle is an append-ordered merkle commitment over every applied
// instruction snapshot, backed by a postgres persistence provider; leaf order
// is instruction application order
type Chronicle struct {
	db       *gorm.DB
	hash     hash.Hash
	id       *uuid.UUID
	mutex    *sync.Mutex
	tree     *merkletree.MerkleTree
	contents []merkletree.Content
}

// snapshotContent is one hex-encoded record snapshot leaf
type snapshotContent struct {
	value []byte
	hash  hash.Hash
}

// CalculateHash hashes the snapshot leaf
func (c *snapshotContent) CalculateHash() ([]byte, error) {
	c.hash.Reset()
	if _, err := c.hash.Write(c.value); err != nil {
		return nil, err
	}
	digest := c.hash.Sum(nil)
	c.hash.Reset()
	return digest, nil
}

// Equals compares two snapshot leaves
func (c *snapshotContent) Equals(other merkletree.Content) (bool, error) {
	o, ok := other.(*snapshotContent)
	if !ok {
		return false, errors.New("cannot compare leaves of distinct content types")
	}
	return string(c.value) == string(o.value), nil
}

// InitChronicle loads the chronicle identified by the given store id,
// replaying any previously persisted leaves
func InitChronicle(db *gorm.DB, id uuid.UUID, h hash.Hash) *Chronicle {
	instance := &Chronicle{
		db:       db,
		hash:     h,
		id:       &id,
		mutex:    &sync.Mutex{},
		contents: make([]merkletree.Content, 0),
	}

	err := instance.loadLeaves()
	if err != nil {
		common.Log.Warningf("failed to load chronicle store %s; %s", id, err.Error())
		return nil
	}

	return instance
}

func (c *Chronicle) loadLeaves() error {
	rows, err := c.db.Raw("SELECT value from hashes WHERE store_id = ? ORDER BY id", c.id).Rows()
	if err != nil {
		return fmt.Errorf("failed to resolve chronicle from store: %s; %s", c.id, err.Error())
	}
	defer rows.Close()

	for rows.Next() {
		var value string
		err = rows.Scan(&value)
		if err != nil {
			return fmt.Errorf("failed to scan the store for chronicle leaves; %s", err.Error())
		}
		c.contents = append(c.contents, &snapshotContent{
			value: []byte(value),
			hash:  c.hash,
		})
	}

	if len(c.contents) > 0 {
		return c.rebuild()
	}
	return nil
}

func (c *Chronicle) rebuild() error {
	tree, err := merkletree.NewTreeWithHashStrategy(c.contents, func() hash.Hash {
		return c.hash
	})
	if err != nil {
		return err
	}
	c.tree = tree
	return nil
}

// Contains verifies that the leaf at the given index key currently commits
// to the given snapshot
func (c *Chronicle) Contains(key []byte, val string) bool {
	buf, err := c.Get(key)
	if err != nil {
		return false
	}
	return string(buf) == val
}

// Get returns the snapshot at the given big-endian leaf index
func (c *Chronicle) Get(key []byte) ([]byte, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	index := new(big.Int).SetBytes(key).Int64()
	if index < 0 || index >= int64(len(c.contents)) {
		return nil, fmt.Errorf("chronicle index %d out of bounds; %d leaves committed", index, len(c.contents))
	}
	return c.contents[index].(*snapshotContent).value, nil
}

// Height returns the height of the commitment tree
func (c *Chronicle) Height() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	leaves := len(c.contents)
	if leaves == 0 {
		return 0
	}
	return int(math.Ceil(math.Log2(float64(leaves)))) + 1
}

// Insert appends the snapshot as the next leaf and persists it; the key is
// ignored, chronology assigns the index
func (c *Chronicle) Insert(key []byte, val string) ([]byte, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.contents = append(c.contents, &snapshotContent{
		value: []byte(val),
		hash:  c.hash,
	})

	if err := c.rebuild(); err != nil {
		c.contents = c.contents[:len(c.contents)-1]
		return nil, err
	}

	result := c.db.Exec("INSERT INTO hashes (store_id, value) VALUES (?, ?)", c.id, val)
	if result.RowsAffected == 0 {
		// drop the unpersisted leaf so the in-memory root stays in step with
		// durable state
		c.contents = c.contents[:len(c.contents)-1]
		if len(c.contents) == 0 {
			c.tree = nil
		} else if err := c.rebuild(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("failed to persist leaf within chronicle store: %s", c.id)
	}

	root := c.tree.MerkleRoot()
	common.Log.Debugf("inserted chronicle leaf %d; current root: %s", len(c.contents)-1, hex.EncodeToString(root))
	return root, nil
}

// Length returns the number of committed leaves
func (c *Chronicle) Length() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.contents)
}

// Root returns the hex-encoded merkle root
func (c *Chronicle) Root() (*string, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.tree == nil {
		return nil, errors.New("tree does not contain a valid root")
	}
	return common.StringOrNil(hex.EncodeToString(c.tree.MerkleRoot())), nil
}
