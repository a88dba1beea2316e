package receipt

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const bucketName = "scans"

// ErrScanNotFound is returned when no scan exists for an ID
var ErrScanNotFound = errors.New("scan not found")

// DB defines the interface for scan history operations
type DB interface {
	// SaveScan saves a scan to the database
	SaveScan(scan *Scan) error

	// GetScan retrieves a scan by ID
	GetScan(id string) (*Scan, error)

	// ListScans returns all scans
	ListScans() ([]*Scan, error)

	// DeleteScan removes a scan from the database
	DeleteScan(id string) error

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// SaveScan saves a scan to the database
func (b *BoltDB) SaveScan(scan *Scan) error {
	if scan.ID == "" {
		return errors.New("scan has no ID")
	}
	data, err := json.Marshal(scan)
	if err != nil {
		return fmt.Errorf("marshaling scan: %w", err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Put([]byte(scan.ID), data)
	})
}

// GetScan retrieves a scan by ID
func (b *BoltDB) GetScan(id string) (*Scan, error) {
	var scan *Scan
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(bucketName)).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrScanNotFound, id)
		}
		return json.Unmarshal(data, &scan)
	})
	if err != nil {
		return nil, err
	}
	return scan, nil
}

// ListScans returns all scans in key order
func (b *BoltDB) ListScans() ([]*Scan, error) {
	scans := make([]*Scan, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).ForEach(func(k, v []byte) error {
			var scan Scan
			if err := json.Unmarshal(v, &scan); err != nil {
				return fmt.Errorf("unmarshaling scan %s: %w", k, err)
			}
			scans = append(scans, &scan)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return scans, nil
}

// DeleteScan removes a scan from the database. Deleting a missing ID is not an error.
func (b *BoltDB) DeleteScan(id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Delete([]byte(id))
	})
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
