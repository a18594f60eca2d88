package distributed

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

const metaKeyPrefix = "model:"

// recordMeta is the journaled form of a model record. Target and
// region ids are stable across worker restarts, member ids are not, so
// rehydration binds through the target id.
type recordMeta struct {
	Name      string
	Config    string
	Signature string
	Size      uint64
	Member    uint64
	Target    string
	Region    string
}

// metadataStore journals model metadata in a badger database so a
// restarted master can rebuild its model table.
type metadataStore struct {
	db  *badger.DB
	log *logrus.Logger
}

func openMetadata(path string, log *logrus.Logger) (*metadataStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger at %s: %w", path, err)
	}
	return &metadataStore{db: db, log: log}, nil
}

func (m *metadataStore) put(meta recordMeta) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(meta); err != nil {
		return fmt.Errorf("encoding metadata for %s: %w", meta.Name, err)
	}
	return m.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(metaKeyPrefix+meta.Name), buf.Bytes())
	})
}

func (m *metadataStore) load() ([]recordMeta, error) {
	var out []recordMeta
	err := m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(metaKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var meta recordMeta
				if err := gob.NewDecoder(bytes.NewReader(val)).Decode(&meta); err != nil {
					return fmt.Errorf("decoding metadata %s: %w", it.Item().Key(), err)
				}
				out = append(out, meta)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (m *metadataStore) close() error {
	return m.db.Close()
}
