// Package cache stores converted features on disk, so that later runs (and other ranks) can skip the
// conversion.
//
// Features are stored in one parquet file per Key. Writes go to a temporary file that is renamed once
// complete, under a file lock, so concurrent writers and readers never see partial files.
package cache

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/gomlx/go-squad/distributed"
	"github.com/gomlx/go-squad/squad"
	"github.com/gomlx/go-squad/tokenizers/api"
	"github.com/parquet-go/parquet-go"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// FormatVersion is stored in every row. Files with a different version are treated as a miss.
const FormatVersion = 1

// DefaultDirCreationPerm is used when creating the cache directory.
const DefaultDirCreationPerm = 0o755

// Key identifies a set of features: they depend on the split, the task, the tokenizer and the sequence length.
type Key struct {
	Split        string
	Task         string
	Tokenizer    string
	MaxSeqLength int
}

// FileName returns "cached_{split}_{task}_{tokenizer}_{maxSeqLength}.parquet", where tokenizer is the last
// element of the tokenizer name or path.
func (k Key) FileName() string {
	return fmt.Sprintf("cached_%s_%s_%s_%d.parquet", k.Split, k.Task, api.ShortName(k.Tokenizer), k.MaxSeqLength)
}

// Cache of features in a directory.
type Cache struct {
	// Dir where the cache files are stored.
	Dir string

	// Overwrite makes Load always miss, so features are rebuilt and stored again.
	Overwrite bool
}

// New creates a Cache in dir.
func New(dir string) *Cache {
	return &Cache{Dir: dir}
}

// Path returns the file path for the key.
func (c *Cache) Path(key Key) string {
	return filepath.Join(c.Dir, key.FileName())
}

// Load the features stored for key.
//
// It returns found=false if there is no file for the key, if Overwrite is set, or if the file can't be
// decoded or has a different format version. The last two cases are logged, not returned as errors.
func (c *Cache) Load(key Key) (features []squad.Feature, found bool, err error) {
	if c.Overwrite {
		return nil, false, nil
	}
	filePath := c.Path(key)
	if _, err := os.Stat(filePath); err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, errors.Wrapf(err, "failed to stat cache file %q", filePath)
	}
	rows, err := parquet.ReadFile[featureRow](filePath)
	if err != nil {
		klog.Warningf("Ignoring unreadable cache file %q: %v", filePath, err)
		return nil, false, nil
	}
	features = make([]squad.Feature, len(rows))
	for ii := range rows {
		if rows[ii].FormatVersion != FormatVersion {
			klog.Warningf("Ignoring cache file %q: format version %d, expected %d", filePath, rows[ii].FormatVersion, FormatVersion)
			return nil, false, nil
		}
		features[ii] = rows[ii].toFeature()
	}
	klog.V(1).Infof("Loaded %d features from %s", len(features), filePath)
	return features, true, nil
}

// Store the features for key, replacing any previous version.
func (c *Cache) Store(ctx context.Context, key Key, features []squad.Feature) error {
	if err := os.MkdirAll(c.Dir, DefaultDirCreationPerm); err != nil {
		return errors.Wrapf(err, "failed to create cache directory %q", c.Dir)
	}
	filePath := c.Path(key)
	rows := make([]featureRow, len(features))
	for ii := range features {
		rows[ii] = newFeatureRow(&features[ii])
	}

	lockPath := filePath + ".lock"
	var mainErr error
	errLock := execOnFileLock(ctx, lockPath, func() {
		tmpPath := filePath + ".tmp"
		if err := parquet.WriteFile(tmpPath, rows); err != nil {
			mainErr = errors.Wrapf(err, "failed to write cache file %q", tmpPath)
			if err := os.Remove(tmpPath); err != nil && !os.IsNotExist(err) {
				klog.Warningf("Failed removing temporary file %q: %v", tmpPath, err)
			}
			return
		}
		if err := os.Rename(tmpPath, filePath); err != nil {
			mainErr = errors.Wrapf(err, "failed to move cache file %q to %q", tmpPath, filePath)
		}
	})
	if mainErr != nil {
		return mainErr
	}
	if errLock != nil {
		return errors.WithMessagef(errLock, "while locking %q to store %q", lockPath, filePath)
	}
	klog.Infof("Saved %d features to %s", len(features), filePath)
	return nil
}

// LoadOrBuild returns the cached features for key, building and storing them on a miss.
//
// In a distributed run, only rank 0 builds and stores the features, while the other ranks wait for it
// at a barrier and then load them from the cache.
func (c *Cache) LoadOrBuild(ctx context.Context, group distributed.Group, key Key,
	build func(ctx context.Context) ([]squad.Feature, error)) ([]squad.Feature, error) {
	var features []squad.Feature
	err := distributed.Exclusive(ctx, group, "cache/"+key.FileName(), func(ctx context.Context) error {
		var found bool
		var err error
		features, found, err = c.Load(key)
		if err != nil || found {
			return err
		}
		klog.Infof("Building features for %s", key.FileName())
		if features, err = build(ctx); err != nil {
			return err
		}
		return c.Store(ctx, key, features)
	})
	if err != nil {
		return nil, err
	}
	if group.Rank() == 0 {
		return features, nil
	}

	features, found, err := (&Cache{Dir: c.Dir}).Load(key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.Errorf("rank %d: features for %s not available after rank 0 built them", group.Rank(), key.FileName())
	}
	return features, nil
}

// execOnFileLock opens the lockPath file (or creates it), locks it and executes fn.
// If lockPath is already locked, it polls with a 100 to 200 milliseconds period (randomly) until it acquires
// the lock or the context is cancelled.
func execOnFileLock(ctx context.Context, lockPath string, fn func()) (err error) {
	fileLock := flock.New(lockPath)
	for {
		locked, err := fileLock.TryLock()
		if err != nil {
			return errors.Wrapf(err, "while trying to lock %q", lockPath)
		}
		if locked {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "while waiting for lock %q", lockPath)
		case <-time.After(time.Millisecond * time.Duration(100+rand.IntN(100))):
		}
	}

	// Unlock even if fn panics.
	defer func() {
		unlockErr := fileLock.Unlock()
		if unlockErr != nil {
			if err == nil {
				err = errors.Wrapf(unlockErr, "unlocking file %q", lockPath)
			} else {
				klog.Errorf("Error unlocking file %q: %v", lockPath, unlockErr)
			}
		}
	}()
	fn()
	return
}
