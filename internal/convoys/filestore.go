package convoys

import (
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/dohr-michael/overseer/internal/errs"
	"github.com/dohr-michael/overseer/internal/storage/dirstore"
)

// FileStore persists each convoy as <baseDir>/<id>/meta.json.
type FileStore struct {
	ds  *dirstore.DirStore
	now func() time.Time
}

// NewFileStore creates a FileStore rooted at baseDir.
func NewFileStore(baseDir string) *FileStore {
	return &FileStore{ds: dirstore.NewDirStore(baseDir, "convoy"), now: time.Now}
}

// Create persists a new convoy to disk.
func (fs *FileStore) Create(c *Convoy) error {
	fs.ds.Lock()
	defer fs.ds.Unlock()

	if c.ID == "" {
		c.ID = GenerateConvoyID()
	}
	if fs.ds.Exists(c.ID) {
		return fmt.Errorf("convoy %s already exists: %w", c.ID, errs.ErrConflict)
	}

	now := fs.now()
	c.CreatedAt = now
	c.UpdatedAt = now

	if err := fs.ds.EnsureDir(c.ID); err != nil {
		return err
	}
	return fs.ds.WriteMeta(c.ID, c)
}

// Get reads a convoy by ID.
func (fs *FileStore) Get(id string) (*Convoy, error) {
	fs.ds.RLock()
	defer fs.ds.RUnlock()

	return fs.read(id)
}

func (fs *FileStore) read(id string) (*Convoy, error) {
	var c Convoy
	if err := fs.ds.ReadMeta(id, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// List returns convoys matching the filter in creation order.
func (fs *FileStore) List(filter ListFilter) ([]*Convoy, error) {
	fs.ds.RLock()
	defer fs.ds.RUnlock()

	dirs, err := fs.ds.ListDirs()
	if err != nil {
		return nil, err
	}

	var out []*Convoy
	for _, name := range dirs {
		c, err := fs.read(name)
		if err != nil {
			continue // skip corrupted convoys
		}
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		if filter.Contains != "" && !slices.Contains(c.TaskIDs, filter.Contains) {
			continue
		}
		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Mutate applies fn to the stored convoy and rewrites meta.json atomically.
func (fs *FileStore) Mutate(id string, fn func(c *Convoy) error) (*Convoy, error) {
	fs.ds.Lock()
	defer fs.ds.Unlock()

	c, err := fs.read(id)
	if err != nil {
		return nil, err
	}
	if err := fn(c); err != nil {
		return nil, err
	}

	c.UpdatedAt = fs.now()
	if err := fs.ds.WriteMeta(c.ID, c); err != nil {
		return nil, err
	}
	return c, nil
}
