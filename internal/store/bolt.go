package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"pkt.systems/berth/schema"
	"pkt.systems/pslog"
)

var (
	bucketMeta        = []byte("meta")
	bucketUsers       = []byte("users")
	bucketImageMeta   = []byte("image_meta")
	bucketUserConfigs = []byte("user_configs")

	keyVersion = []byte("version")
)

// BoltDriver keeps the document in a bbolt database, one bucket per
// collection. Update runs inside a single write transaction, so concurrent
// read-modify-write cycles are serialised instead of racing.
type BoltDriver struct {
	db  *bolt.DB
	log pslog.Logger
}

// NewBoltDriver opens (or creates) the database at path.
func NewBoltDriver(path string, logger pslog.Logger) (*BoltDriver, error) {
	if path == "" {
		return nil, fmt.Errorf("store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketMeta, bucketUsers, bucketImageMeta, bucketUserConfigs} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if logger != nil {
		logger = logger.With("store_bolt", path)
	}
	return &BoltDriver{db: db, log: logger}, nil
}

// Load assembles the document from the buckets.
func (d *BoltDriver) Load(ctx context.Context) (Document, bool, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, false, err
	}
	var (
		doc     Document
		existed bool
	)
	err := d.db.View(func(tx *bolt.Tx) error {
		var err error
		doc, existed, err = readDocument(tx)
		return err
	})
	if err != nil {
		if d.log != nil {
			d.log.Warn("store bolt load failed", "err", err)
		}
		return Document{}, false, err
	}
	return doc, existed, nil
}

// Save replaces every bucket with the contents of doc.
func (d *BoltDriver) Save(ctx context.Context, doc Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := d.db.Update(func(tx *bolt.Tx) error {
		return writeDocument(tx, doc)
	})
	if err != nil && d.log != nil {
		d.log.Warn("store bolt save failed", "err", err)
	}
	return err
}

// Update runs fn against the stored document inside one write transaction.
func (d *BoltDriver) Update(ctx context.Context, fn func(*Document) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		doc, _, err := readDocument(tx)
		if err != nil {
			return err
		}
		if err := fn(&doc); err != nil {
			return err
		}
		return writeDocument(tx, doc)
	})
}

// Close closes the database.
func (d *BoltDriver) Close() error {
	return d.db.Close()
}

func readDocument(tx *bolt.Tx) (Document, bool, error) {
	doc := NewDocument()
	raw := tx.Bucket(bucketMeta).Get(keyVersion)
	if raw == nil {
		return doc, false, nil
	}
	version, err := strconv.Atoi(string(raw))
	if err != nil {
		return Document{}, false, fmt.Errorf("invalid document version %q: %w", raw, err)
	}
	doc.Version = version
	err = tx.Bucket(bucketUsers).ForEach(func(_, v []byte) error {
		var user schema.User
		if err := json.Unmarshal(v, &user); err != nil {
			return err
		}
		doc.Users = append(doc.Users, user)
		return nil
	})
	if err != nil {
		return Document{}, false, err
	}
	err = tx.Bucket(bucketImageMeta).ForEach(func(k, v []byte) error {
		var meta schema.ImageMeta
		if err := json.Unmarshal(v, &meta); err != nil {
			return err
		}
		doc.ImageMeta[string(k)] = meta
		return nil
	})
	if err != nil {
		return Document{}, false, err
	}
	err = tx.Bucket(bucketUserConfigs).ForEach(func(k, v []byte) error {
		var cfg schema.UserConfig
		if err := json.Unmarshal(v, &cfg); err != nil {
			return err
		}
		doc.UserConfigs[schema.UserID(k)] = cfg
		return nil
	})
	if err != nil {
		return Document{}, false, err
	}
	return doc, true, nil
}

func writeDocument(tx *bolt.Tx, doc Document) error {
	doc.normalize()
	for _, name := range [][]byte{bucketUsers, bucketImageMeta, bucketUserConfigs} {
		if err := tx.DeleteBucket(name); err != nil {
			return err
		}
		if _, err := tx.CreateBucket(name); err != nil {
			return err
		}
	}
	users := tx.Bucket(bucketUsers)
	for i, user := range doc.Users {
		// Zero-padded positions keep insertion order under bolt's key ordering.
		if err := putJSON(users, []byte(fmt.Sprintf("%08d", i)), user); err != nil {
			return err
		}
	}
	metas := tx.Bucket(bucketImageMeta)
	for key, meta := range doc.ImageMeta {
		if err := putJSON(metas, []byte(key), meta); err != nil {
			return err
		}
	}
	configs := tx.Bucket(bucketUserConfigs)
	for id, cfg := range doc.UserConfigs {
		if err := putJSON(configs, []byte(id), cfg); err != nil {
			return err
		}
	}
	return tx.Bucket(bucketMeta).Put(keyVersion, []byte(strconv.Itoa(doc.Version)))
}

func putJSON(b *bolt.Bucket, key []byte, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}
