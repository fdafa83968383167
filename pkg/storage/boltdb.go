package storage

import (
	"encoding/json"
	"fmt"

	"github.com/OpenPrinting/goipp"
	bolt "go.etcd.io/bbolt"

	"github.com/openspool/printd/pkg/types"
)

var (
	// Bucket names
	bucketPrinters      = []byte("printers")
	bucketJobs          = []byte("jobs")
	bucketJobAttrs      = []byte("job_attrs")
	bucketSubscriptions = []byte("subscriptions")
	bucketServer        = []byte("server")
)

// serverStateKey is the fixed key holding the ServerState record.
var serverStateKey = []byte("state")

// ServerState holds the few scalars that live outside the engines:
// the id counter that must stay monotonic across restarts and the
// default destination.
type ServerState struct {
	NextJobID      int    `json:"next_job_id"`
	DefaultPrinter string `json:"default_printer"`
}

// BoltStore persists the scheduler state in a BoltDB file. The
// engines own the in-memory truth; each Save* call rewrites the
// corresponding bucket as a whole snapshot.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if needed) the database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketPrinters,
			bucketJobs,
			bucketJobAttrs,
			bucketSubscriptions,
			bucketServer,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Destination snapshots

func (s *BoltStore) SavePrinters(printers []*types.Printer) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketPrinters); err != nil {
			return err
		}
		b, err := tx.CreateBucket(bucketPrinters)
		if err != nil {
			return err
		}
		for _, p := range printers {
			if p.Temporary {
				continue
			}
			data, err := json.Marshal(p)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(p.Name), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) LoadPrinters() ([]*types.Printer, error) {
	var printers []*types.Printer
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPrinters)
		return b.ForEach(func(k, v []byte) error {
			var p types.Printer
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			printers = append(printers, &p)
			return nil
		})
	})
	return printers, err
}

// Job snapshots. The job record is JSON; its request attributes are a
// sidecar entry under the same key holding an encoded IPP message,
// the job's control data in wire form.

func jobKey(id int) []byte {
	return []byte(fmt.Sprintf("%08d", id))
}

func (s *BoltStore) SaveJobs(jobs []*types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketJobs, bucketJobAttrs} {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		jb := tx.Bucket(bucketJobs)
		ab := tx.Bucket(bucketJobAttrs)
		for _, j := range jobs {
			data, err := json.Marshal(j)
			if err != nil {
				return err
			}
			if err := jb.Put(jobKey(j.ID), data); err != nil {
				return err
			}
			if len(j.Attrs) == 0 {
				continue
			}
			msg := &goipp.Message{Version: goipp.DefaultVersion, Job: j.Attrs}
			control, err := msg.EncodeBytes()
			if err != nil {
				return fmt.Errorf("encoding control data for job %d: %w", j.ID, err)
			}
			if err := ab.Put(jobKey(j.ID), control); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) LoadJobs() ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		jb := tx.Bucket(bucketJobs)
		ab := tx.Bucket(bucketJobAttrs)
		return jb.ForEach(func(k, v []byte) error {
			var j types.Job
			if err := json.Unmarshal(v, &j); err != nil {
				return err
			}
			if control := ab.Get(k); control != nil {
				var msg goipp.Message
				if err := msg.DecodeBytes(control); err != nil {
					return fmt.Errorf("decoding control data for job %d: %w", j.ID, err)
				}
				j.Attrs = msg.Job
			}
			jobs = append(jobs, &j)
			return nil
		})
	})
	return jobs, err
}

// Subscription snapshots

func (s *BoltStore) SaveSubscriptions(subs []*types.Subscription) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketSubscriptions); err != nil {
			return err
		}
		b, err := tx.CreateBucket(bucketSubscriptions)
		if err != nil {
			return err
		}
		for _, sub := range subs {
			data, err := json.Marshal(sub)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(fmt.Sprintf("%08d", sub.ID)), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) LoadSubscriptions() ([]*types.Subscription, error) {
	var subs []*types.Subscription
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSubscriptions)
		return b.ForEach(func(k, v []byte) error {
			var sub types.Subscription
			if err := json.Unmarshal(v, &sub); err != nil {
				return err
			}
			subs = append(subs, &sub)
			return nil
		})
	})
	return subs, err
}

// Server state

func (s *BoltStore) SaveServerState(st ServerState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServer)
		data, err := json.Marshal(st)
		if err != nil {
			return err
		}
		return b.Put(serverStateKey, data)
	})
}

// LoadServerState returns the persisted server state, or the zero
// value on first start.
func (s *BoltStore) LoadServerState() (ServerState, error) {
	var st ServerState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServer)
		data := b.Get(serverStateKey)
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &st)
	})
	return st, err
}
