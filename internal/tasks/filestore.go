package tasks

import (
	"fmt"
	"sort"
	"time"

	"github.com/dohr-michael/overseer/internal/errs"
	"github.com/dohr-michael/overseer/internal/storage/dirstore"
)

// FileStore persists each task as <baseDir>/<id>/meta.json.
type FileStore struct {
	ds  *dirstore.DirStore
	now func() time.Time
}

// NewFileStore creates a FileStore rooted at baseDir.
func NewFileStore(baseDir string) *FileStore {
	return &FileStore{ds: dirstore.NewDirStore(baseDir, "task"), now: time.Now}
}

// Create persists a new task to disk.
func (fs *FileStore) Create(t *Task) error {
	fs.ds.Lock()
	defer fs.ds.Unlock()

	if t.ID == "" {
		t.ID = GenerateTaskID()
	}
	if fs.ds.Exists(t.ID) {
		return fmt.Errorf("task %s already exists: %w", t.ID, errs.ErrConflict)
	}

	now := fs.now()
	t.CreatedAt = now
	t.UpdatedAt = now

	if err := fs.ds.EnsureDir(t.ID); err != nil {
		return err
	}

	return fs.ds.WriteMeta(t.ID, t)
}

// Get reads task metadata by ID.
func (fs *FileStore) Get(id string) (*Task, error) {
	fs.ds.RLock()
	defer fs.ds.RUnlock()

	return fs.read(id)
}

func (fs *FileStore) read(id string) (*Task, error) {
	var t Task
	if err := fs.ds.ReadMeta(id, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// List returns tasks matching the filter, most urgent first, then oldest first.
func (fs *FileStore) List(filter ListFilter) ([]*Task, error) {
	fs.ds.RLock()
	defer fs.ds.RUnlock()

	dirs, err := fs.ds.ListDirs()
	if err != nil {
		return nil, err
	}

	var tasks []*Task
	for _, name := range dirs {
		t, err := fs.read(name)
		if err != nil {
			continue // skip corrupted tasks
		}
		if filter.Match(t) {
			tasks = append(tasks, t)
		}
	}

	sort.Slice(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	return paginate(tasks, filter.Offset, filter.Limit), nil
}

func paginate(tasks []*Task, offset, limit int) []*Task {
	if offset > 0 {
		if offset >= len(tasks) {
			return nil
		}
		tasks = tasks[offset:]
	}
	if limit > 0 && limit < len(tasks) {
		tasks = tasks[:limit]
	}
	return tasks
}

// Mutate applies fn to the stored task and rewrites meta.json atomically.
func (fs *FileStore) Mutate(id string, fn func(t *Task) error) (*Task, error) {
	fs.ds.Lock()
	defer fs.ds.Unlock()

	t, err := fs.read(id)
	if err != nil {
		return nil, err
	}
	if err := fn(t); err != nil {
		return nil, err
	}

	t.UpdatedAt = fs.now()
	if err := fs.ds.WriteMeta(t.ID, t); err != nil {
		return nil, err
	}
	return t, nil
}
