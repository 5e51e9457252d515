// Package store keeps simulated card EEPROM images in a single bbolt file.
// Each applet image is CBOR encoded under its AID.
package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/gregLibert/pincard/pkg/applet"
)

const (
	openTimeout = 5 * time.Second
	imageBucket = "applets"
)

// ErrCorruptImage is returned when a stored record cannot be decoded.
var ErrCorruptImage = errors.New("corrupt applet image")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{ExtraReturnErrors: cbor.ExtraDecErrorUnknownField}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Store is a file-backed set of applet images. The database is opened for
// the duration of each call only, so several simulator processes can take
// turns on the same file.
type Store struct {
	path string
}

// Open prepares the image file at path, creating it and its bucket when
// missing.
func Open(path string) (*Store, error) {
	s := &Store{path: path}
	err := s.update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(imageBucket))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("store init %s: %w", path, err)
	}
	return s, nil
}

// Path returns the image file location.
func (s *Store) Path() string {
	return s.path
}

// Save writes img under aid, replacing any previous image.
func (s *Store) Save(aid []byte, img applet.Image) error {
	raw, err := encMode.Marshal(img)
	if err != nil {
		return fmt.Errorf("encode image: %w", err)
	}
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(imageBucket))
		if b == nil {
			return fmt.Errorf("missing %s bucket", imageBucket)
		}
		return b.Put(aid, raw)
	})
}

// Load reads the image stored under aid. found is false when there is none.
func (s *Store) Load(aid []byte) (img applet.Image, found bool, err error) {
	err = s.view(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(imageBucket))
		if b == nil {
			return fmt.Errorf("missing %s bucket", imageBucket)
		}
		raw := b.Get(aid)
		if raw == nil {
			return nil
		}
		if err := decMode.Unmarshal(raw, &img); err != nil {
			return fmt.Errorf("%w %X: %v", ErrCorruptImage, aid, err)
		}
		found = true
		return nil
	})
	return img, found, err
}

// Delete removes the image stored under aid, if any.
func (s *Store) Delete(aid []byte) error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(imageBucket))
		if b == nil {
			return nil
		}
		return b.Delete(aid)
	})
}

// AIDs lists the applets with a stored image.
func (s *Store) AIDs() ([][]byte, error) {
	var out [][]byte
	err := s.view(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(imageBucket))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			out = append(out, append([]byte(nil), k...))
			return nil
		})
	})
	return out, err
}

func (s *Store) update(fn func(*bolt.Tx) error) error {
	db, err := bolt.Open(s.path, 0600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return fmt.Errorf("open %s: %w", s.path, err)
	}
	defer db.Close()

	return db.Update(fn)
}

func (s *Store) view(fn func(*bolt.Tx) error) error {
	db, err := bolt.Open(s.path, 0600, &bolt.Options{Timeout: openTimeout, ReadOnly: true})
	if err != nil {
		return fmt.Errorf("open %s: %w", s.path, err)
	}
	defer db.Close()

	return db.View(fn)
}
