package vxcard

import (
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/votingworks/cacvote-sub000/piv"
)

const (
	connectTimeout = 5 * time.Second
)

var (
	snapshotBucket = []byte("cardSnapshot")
	snapshotKey    = []byte("current")
)

// FileCard is a Card whose simulated state lives in a single-file
// bolt database, so external tooling can flip card state (insert,
// remove, set PIN) from another process while this one polls it.
type FileCard struct {
	dbpath string
}

// NewFileCard opens (creating if needed) a file-backed mock card
func NewFileCard(dbpath string) (*FileCard, error) {
	fc := &FileCard{dbpath: dbpath}

	err := fc.update(func(s *Snapshot) error { return nil })
	if err != nil {
		return nil, err
	}
	return fc, nil
}

// view loads the snapshot and passes it to fn read-only
func (fc *FileCard) view(fn func(s *Snapshot) error) error {
	db, err := bolt.Open(fc.dbpath, 0600, &bolt.Options{Timeout: connectTimeout, ReadOnly: false})
	if err != nil {
		return errors.Wrap(err, "Opening card database")
	}
	defer db.Close()

	return db.View(func(tx *bolt.Tx) error {
		s, err := loadSnapshot(tx)
		if err != nil {
			return err
		}
		return fn(&s)
	})
}

// update loads the snapshot, applies fn and writes it back
func (fc *FileCard) update(fn func(s *Snapshot) error) error {
	db, err := bolt.Open(fc.dbpath, 0600, &bolt.Options{Timeout: connectTimeout})
	if err != nil {
		return errors.Wrap(err, "Opening card database")
	}
	defer db.Close()

	return db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(snapshotBucket)
		if err != nil {
			return errors.Wrap(err, "Creating snapshot bucket")
		}

		s, err := loadSnapshot(tx)
		if err != nil {
			return err
		}
		if err := fn(&s); err != nil {
			return err
		}

		raw, err := cbor.Marshal(s)
		if err != nil {
			return errors.Wrap(err, "Encoding snapshot")
		}
		return bucket.Put(snapshotKey, raw)
	})
}

func loadSnapshot(tx *bolt.Tx) (Snapshot, error) {
	bucket := tx.Bucket(snapshotBucket)
	if bucket == nil {
		return NewSnapshot(), nil
	}
	raw := bucket.Get(snapshotKey)
	if raw == nil {
		return NewSnapshot(), nil
	}

	var s Snapshot
	if err := cbor.Unmarshal(raw, &s); err != nil {
		return s, errors.Wrap(err, "Decoding snapshot")
	}
	return s, nil
}

func (fc *FileCard) Status() CardStatus {
	var status CardStatus = UnknownError{}
	_ = fc.view(func(s *Snapshot) error {
		status = snapshotStatus(s)
		return nil
	})
	return status
}

func (fc *FileCard) CheckPin(pin string) (CheckPinResponse, error) {
	var resp CheckPinResponse
	err := fc.update(func(s *Snapshot) error {
		var err error
		resp, err = snapshotCheckPin(s, pin)
		return err
	})
	return resp, err
}

func (fc *FileCard) GenerateSignature(message []byte, opts SignOpts) ([]byte, error) {
	var sig []byte
	err := fc.update(func(s *Snapshot) error {
		var err error
		sig, err = snapshotSign(s, message, opts)
		return err
	})
	return sig, err
}

func (fc *FileCard) Certificate(object piv.ObjectID) ([]byte, error) {
	var der []byte
	err := fc.view(func(s *Snapshot) error {
		var err error
		der, err = snapshotCertificate(s, object)
		return err
	})
	return der, err
}

func (fc *FileCard) Program(req ProgramRequest) error {
	return fc.update(func(s *Snapshot) error {
		return snapshotProgram(s, req)
	})
}

func (fc *FileCard) Unprogram() error {
	return fc.update(func(s *Snapshot) error {
		return snapshotUnprogram(s)
	})
}

func (fc *FileCard) ReadData() ([]byte, error) {
	var data []byte
	err := fc.view(func(s *Snapshot) error {
		var err error
		data, err = snapshotReadData(s)
		return err
	})
	return data, err
}

func (fc *FileCard) WriteData(data []byte) error {
	return fc.update(func(s *Snapshot) error {
		return snapshotWriteData(s, data)
	})
}

func (fc *FileCard) ClearData() error {
	return fc.WriteData(nil)
}

// Mutate exposes snapshot edits to external tooling (the dev CLI)
func (fc *FileCard) Mutate(fn func(s *Snapshot) error) error {
	return fc.update(fn)
}

// Read exposes the current snapshot to external tooling
func (fc *FileCard) Read() (Snapshot, error) {
	var out Snapshot
	err := fc.view(func(s *Snapshot) error {
		out = *s
		return nil
	})
	return out, err
}

var _ Card = &FileCard{}
