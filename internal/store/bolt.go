package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"eibdvis/internal/knx"
)

var bucketValues = []byte("values")

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketValues)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// valueKey is the big-endian address, so cursor order is address order.
func valueKey(ga knx.GroupAddress) []byte {
	var k [2]byte
	binary.BigEndian.PutUint16(k[:], uint16(ga))
	return k[:]
}

func (s *BoltStore) SaveValue(v *GroupValue) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketValues)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketValues)
		}
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return b.Put(valueKey(v.Address), data)
	})
}

func (s *BoltStore) DeleteValue(ga knx.GroupAddress) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketValues)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketValues)
		}
		return b.Delete(valueKey(ga))
	})
}

func (s *BoltStore) ListValues() ([]*GroupValue, error) {
	var values []*GroupValue
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketValues)
		if b == nil {
			return nil
		}
		values = make([]*GroupValue, 0, b.Stats().KeyN)
		return b.ForEach(func(k, data []byte) error {
			var v GroupValue
			if err := json.Unmarshal(data, &v); err != nil {
				return fmt.Errorf("decode value %X: %w", k, err)
			}
			values = append(values, &v)
			return nil
		})
	})
	return values, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
