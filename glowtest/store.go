// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package glowtest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

var (
	errTableExists = errors.New("table already exists")
	errNoTable     = errors.New("table not found")
	errNotFound    = errors.New("not found")
	errBadID       = errors.New("id must be a non-empty string")
)

// Key layout:
//
//	t\x00<table>          table marker
//	d\x00<table>\x00<id>  document
//
// Badger keeps keys sorted, so a document prefix scan yields id order.
const sep = 0

type store struct {
	db *badger.DB
}

func openStore() (*store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger db: %w", err)
	}
	return &store{db: db}, nil
}

func (s *store) Close() error {
	return s.db.Close()
}

func tableKey(table string) []byte {
	return append([]byte{'t', sep}, table...)
}

func docPrefix(table string) []byte {
	key := append([]byte{'d', sep}, table...)
	return append(key, sep)
}

func docKey(table, id string) []byte {
	return append(docPrefix(table), id...)
}

func (s *store) createTable(table string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(tableKey(table))
		if err == nil {
			return errTableExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(tableKey(table), nil)
	})
}

func (s *store) deleteTable(table string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := requireTable(txn, table); err != nil {
			return err
		}

		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = docPrefix(table)
		it := txn.NewIterator(opts)
		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return txn.Delete(tableKey(table))
	})
}

func requireTable(txn *badger.Txn, table string) error {
	_, err := txn.Get(tableKey(table))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return errNoTable
	}
	return err
}

func (s *store) put(table string, doc map[string]any) (map[string]any, error) {
	docs, err := s.putMany(table, []map[string]any{doc})
	if err != nil {
		return nil, err
	}
	return docs[0], nil
}

// putMany stores docs in one transaction, assigning ids where missing.
func (s *store) putMany(table string, docs []map[string]any) ([]map[string]any, error) {
	stored := make([]map[string]any, len(docs))
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := requireTable(txn, table); err != nil {
			return err
		}
		for i, doc := range docs {
			if doc == nil {
				doc = map[string]any{}
			}
			id, err := docID(doc)
			if err != nil {
				return fmt.Errorf("item %d: %w", i, err)
			}
			if err := setDoc(txn, table, id, doc); err != nil {
				return err
			}
			stored[i] = doc
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func docID(doc map[string]any) (string, error) {
	raw, ok := doc["id"]
	if !ok || raw == nil || raw == "" {
		id := uuid.NewString()
		doc["id"] = id
		return id, nil
	}
	id, ok := raw.(string)
	if !ok {
		return "", errBadID
	}
	return id, nil
}

func setDoc(txn *badger.Txn, table, id string, doc map[string]any) error {
	val, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	return txn.Set(docKey(table, id), val)
}

func getDoc(txn *badger.Txn, table, id string) (map[string]any, error) {
	item, err := txn.Get(docKey(table, id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, errNotFound
	}
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	err = item.Value(func(val []byte) error {
		doc, err = decodeDoc(val)
		return err
	})
	return doc, err
}

func decodeDoc(val []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(val))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}

func (s *store) get(table, id string) (map[string]any, error) {
	var doc map[string]any
	err := s.db.View(func(txn *badger.Txn) error {
		if err := requireTable(txn, table); err != nil {
			return err
		}
		var err error
		doc, err = getDoc(txn, table, id)
		return err
	})
	return doc, err
}

// getMany returns the documents that exist, in the order of ids.
func (s *store) getMany(table string, ids []string) ([]map[string]any, error) {
	docs := []map[string]any{}
	err := s.db.View(func(txn *badger.Txn) error {
		if err := requireTable(txn, table); err != nil {
			return err
		}
		for _, id := range ids {
			doc, err := getDoc(txn, table, id)
			if errors.Is(err, errNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			docs = append(docs, doc)
		}
		return nil
	})
	return docs, err
}

// update merges updates into the stored document. The id cannot change.
func (s *store) update(table, id string, updates map[string]any) (map[string]any, error) {
	var doc map[string]any
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := requireTable(txn, table); err != nil {
			return err
		}
		var err error
		doc, err = getDoc(txn, table, id)
		if err != nil {
			return err
		}
		for k, v := range updates {
			if k == "id" {
				continue
			}
			doc[k] = v
		}
		return setDoc(txn, table, id, doc)
	})
	return doc, err
}

func (s *store) delete(table, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := requireTable(txn, table); err != nil {
			return err
		}
		if _, err := txn.Get(docKey(table, id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return errNotFound
			}
			return err
		}
		return txn.Delete(docKey(table, id))
	})
}

// scan walks the table in id order, keeping documents that match every
// filter, and returns the page selected by offset and limit. A limit of
// zero or less means no limit.
func (s *store) scan(table string, filters map[string]any, limit, offset int) ([]map[string]any, error) {
	docs := []map[string]any{}
	err := s.db.View(func(txn *badger.Txn) error {
		if err := requireTable(txn, table); err != nil {
			return err
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = docPrefix(table)
		it := txn.NewIterator(opts)
		defer it.Close()

		skipped := 0
		for it.Rewind(); it.Valid(); it.Next() {
			if limit > 0 && len(docs) >= limit {
				break
			}
			var doc map[string]any
			if err := it.Item().Value(func(val []byte) error {
				var err error
				doc, err = decodeDoc(val)
				return err
			}); err != nil {
				return err
			}
			if !matches(doc, filters) {
				continue
			}
			if skipped < offset {
				skipped++
				continue
			}
			docs = append(docs, doc)
		}
		return nil
	})
	return docs, err
}

// matches reports whether every filter equals the document's top-level
// field of the same name. Values are compared in their JSON form.
func matches(doc, filters map[string]any) bool {
	for k, want := range filters {
		got, ok := doc[k]
		if !ok || !reflect.DeepEqual(normalize(got), normalize(want)) {
			return false
		}
	}
	return true
}

func normalize(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}
