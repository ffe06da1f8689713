package approvals

import (
	"fmt"

	"github.com/dohr-michael/overseer/internal/errs"
	"github.com/dohr-michael/overseer/internal/storage/dirstore"
)

// Store defines the persistence interface for approval requests.
type Store interface {
	Create(r *Request) error
	Get(id string) (*Request, error)
	List(status Status) ([]*Request, error)
	Mutate(id string, fn func(r *Request) error) (*Request, error)
}

// FileStore persists each request as <baseDir>/<id>/meta.json.
type FileStore struct {
	ds *dirstore.DirStore
}

func NewFileStore(baseDir string) *FileStore {
	return &FileStore{ds: dirstore.NewDirStore(baseDir, "approval")}
}

func (fs *FileStore) Create(r *Request) error {
	fs.ds.Lock()
	defer fs.ds.Unlock()

	if r.ID == "" {
		r.ID = GenerateID()
	}
	if fs.ds.Exists(r.ID) {
		return fmt.Errorf("approval %s already exists: %w", r.ID, errs.ErrConflict)
	}
	if err := fs.ds.EnsureDir(r.ID); err != nil {
		return err
	}
	return fs.ds.WriteMeta(r.ID, r)
}

func (fs *FileStore) Get(id string) (*Request, error) {
	fs.ds.RLock()
	defer fs.ds.RUnlock()
	return fs.read(id)
}

func (fs *FileStore) read(id string) (*Request, error) {
	var r Request
	if err := fs.ds.ReadMeta(id, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// List returns requests with the given status, or all of them when status is
// empty. Order is unspecified.
func (fs *FileStore) List(status Status) ([]*Request, error) {
	fs.ds.RLock()
	defer fs.ds.RUnlock()

	dirs, err := fs.ds.ListDirs()
	if err != nil {
		return nil, err
	}
	var out []*Request
	for _, name := range dirs {
		r, err := fs.read(name)
		if err != nil {
			continue
		}
		if status == "" || r.Status == status {
			out = append(out, r)
		}
	}
	return out, nil
}

func (fs *FileStore) Mutate(id string, fn func(r *Request) error) (*Request, error) {
	fs.ds.Lock()
	defer fs.ds.Unlock()

	r, err := fs.read(id)
	if err != nil {
		return nil, err
	}
	if err := fn(r); err != nil {
		return nil, err
	}
	if err := fs.ds.WriteMeta(r.ID, r); err != nil {
		return nil, err
	}
	return r, nil
}
