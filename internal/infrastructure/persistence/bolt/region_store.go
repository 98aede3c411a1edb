// Package bolt stores backup replicas in bbolt files, one file per region.
package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/turtacn/sentinel/internal/domain/models"
	"github.com/turtacn/sentinel/internal/domain/repository"
	"github.com/turtacn/sentinel/pkg/errors"
)

var (
	bucketMeta  = []byte("backup_meta")
	bucketBlobs = []byte("backup_blobs")
)

// RegionStore is a file-backed backup replica.
type RegionStore struct {
	region string
	db     *bolt.DB
}

// OpenRegionStore opens (or creates) <dir>/<region>.db with 0600 permissions.
func OpenRegionStore(dir, region string) (*RegionStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create backup directory: %w", err)
	}
	db, err := bolt.Open(filepath.Join(dir, region+".db"), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open region store %s: %w", region, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketMeta, bucketBlobs} {
			if _, bErr := tx.CreateBucketIfNotExists(b); bErr != nil {
				return fmt.Errorf("create bucket %s: %w", b, bErr)
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}
	return &RegionStore{region: region, db: db}, nil
}

var _ repository.RegionStore = (*RegionStore)(nil)

// Close closes the underlying database file.
func (s *RegionStore) Close() error {
	return s.db.Close()
}

func (s *RegionStore) Region() string { return s.region }

func (s *RegionStore) Put(ctx context.Context, backup *models.Backup, blob []byte) error {
	meta, err := json.Marshal(backup)
	if err != nil {
		return errors.ErrInternal("failed to encode backup metadata").WithCause(err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketBlobs).Put([]byte(backup.ID), blob); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put([]byte(backup.ID), meta)
	})
	if err != nil {
		return errors.ErrInternal("failed to write backup to " + s.region).WithCause(err)
	}
	return nil
}

func (s *RegionStore) UpdateMetadata(ctx context.Context, backup *models.Backup) error {
	meta, err := json.Marshal(backup)
	if err != nil {
		return errors.ErrInternal("failed to encode backup metadata").WithCause(err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		if b.Get([]byte(backup.ID)) == nil {
			return errors.ErrNotFound("backup", backup.ID)
		}
		return b.Put([]byte(backup.ID), meta)
	})
}

func (s *RegionStore) Get(ctx context.Context, id string) (*models.Backup, []byte, error) {
	var (
		backup models.Backup
		blob   []byte
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta).Get([]byte(id))
		if meta == nil {
			return errors.ErrNotFound("backup", id)
		}
		if err := json.Unmarshal(meta, &backup); err != nil {
			return errors.ErrInternal("failed to decode backup metadata").WithCause(err)
		}
		// bbolt values are only valid inside the transaction.
		blob = append([]byte(nil), tx.Bucket(bucketBlobs).Get([]byte(id))...)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return &backup, blob, nil
}

func (s *RegionStore) List(ctx context.Context) ([]*models.Backup, error) {
	out := make([]*models.Backup, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).ForEach(func(_, v []byte) error {
			var b models.Backup
			if err := json.Unmarshal(v, &b); err != nil {
				return err
			}
			out = append(out, &b)
			return nil
		})
	})
	if err != nil {
		return nil, errors.ErrInternal("failed to list backups in " + s.region).WithCause(err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *RegionStore) Delete(ctx context.Context, id string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketBlobs).Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Delete([]byte(id))
	})
	if err != nil {
		return errors.ErrInternal("failed to delete backup from " + s.region).WithCause(err)
	}
	return nil
}
