// Package raster implements the chunked, self-describing array container
// that pyramids are built in and read from.
//
// A store is a directory tree. Every group directory holds a ".group" file
// with its attribute table. Every dataset directory holds a ".dataset"
// header, an optional ".attrs" table and one file per chunk named
// "<chunk row>.<chunk col>". Absent chunks read as zeros. All metadata and
// chunk files are replaced atomically so readers never observe partial
// writes.
//
// Basic usage:
//
//	s, _ := raster.Open("scan.pyr")
//	ds, _ := s.Root().Dataset("data")
//	region, _ := ds.ReadRegion(0, 512, 0, 512)
package raster

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	groupFile   = ".group"
	datasetFile = ".dataset"
	attrsFile   = ".attrs"
)

// Store is an open container rooted at a directory.
type Store struct {
	root     string
	readOnly bool

	// attrMu serializes attribute read-modify-write cycles.
	attrMu sync.Mutex
	// chunkLocks holds one *sync.Mutex per chunk file under rewrite.
	chunkLocks sync.Map
}

// Create initializes a new empty container at dir. The directory may exist
// but must not already hold a container.
func Create(dir string) (*Store, error) {
	if _, err := os.Stat(filepath.Join(dir, groupFile)); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrExists, dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	s := &Store{root: dir}
	if err := s.writeAttributes(dir, groupFile, NewAttributeTable()); err != nil {
		return nil, err
	}
	return s, nil
}

// Open opens an existing container for reading and writing.
func Open(dir string) (*Store, error) {
	return open(dir, false)
}

// OpenReadOnly opens an existing container. Every mutating call fails with
// ErrReadOnly.
func OpenReadOnly(dir string) (*Store, error) {
	return open(dir, true)
}

func open(dir string, readOnly bool) (*Store, error) {
	if _, err := os.Stat(filepath.Join(dir, groupFile)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: no container at %s", ErrNotFound, dir)
		}
		return nil, err
	}
	return &Store{root: dir, readOnly: readOnly}, nil
}

// Path returns the container directory.
func (s *Store) Path() string {
	return s.root
}

// ReadOnly reports whether the store rejects writes.
func (s *Store) ReadOnly() bool {
	return s.readOnly
}

// Root returns the root group.
func (s *Store) Root() *Group {
	return &Group{store: s, name: "/", dir: s.root}
}

// Close releases the store. Stores hold no open files between calls, so
// Close only exists to mirror Open.
func (s *Store) Close() error {
	return nil
}

func (s *Store) checkWritable() error {
	if s.readOnly {
		return ErrReadOnly
	}
	return nil
}

func (s *Store) chunkLock(file string) *sync.Mutex {
	v, _ := s.chunkLocks.LoadOrStore(file, new(sync.Mutex))
	return v.(*sync.Mutex)
}

func (s *Store) readAttributes(dir, file string) (*AttributeTable, error) {
	data, err := os.ReadFile(filepath.Join(dir, file))
	if errors.Is(err, fs.ErrNotExist) && file == attrsFile {
		return NewAttributeTable(), nil
	}
	if err != nil {
		return nil, err
	}
	return unmarshalAttributes(data)
}

func (s *Store) writeAttributes(dir, file string, t *AttributeTable) error {
	data, err := marshalAttributes(t)
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(dir, file), data)
}

func (s *Store) updateAttributes(dir, file string, fn func(t *AttributeTable)) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	s.attrMu.Lock()
	defer s.attrMu.Unlock()
	t, err := s.readAttributes(dir, file)
	if err != nil {
		return err
	}
	fn(t)
	return s.writeAttributes(dir, file, t)
}

// writeFileAtomic writes data to a temporary sibling and renames it over
// name.
func writeFileAtomic(name string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(name), ".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, name); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Group is a directory of datasets and nested groups with attributes.
type Group struct {
	store *Store
	name  string
	dir   string
}

// Name returns the slash-separated path of the group within the store.
func (g *Group) Name() string {
	return g.name
}

// Store returns the store holding g.
func (g *Group) Store() *Store {
	return g.store
}

// validateName checks a slash-separated member path.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	for _, part := range strings.Split(name, "/") {
		switch part {
		case "", ".", "..", groupFile, datasetFile, attrsFile:
			return fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
	}
	return nil
}

func (g *Group) memberDir(name string) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	return filepath.Join(g.dir, filepath.FromSlash(name)), nil
}

func (g *Group) memberName(name string) string {
	return path.Join(g.name, name)
}

// Attributes reads the group's attribute table.
func (g *Group) Attributes() (*AttributeTable, error) {
	return g.store.readAttributes(g.dir, groupFile)
}

// SetAttributes adds or replaces attributes in one atomic update.
func (g *Group) SetAttributes(attrs ...*Attribute) error {
	return g.store.updateAttributes(g.dir, groupFile, func(t *AttributeTable) {
		for _, a := range attrs {
			t.Set(a)
		}
	})
}

// DeleteAttributes removes the named attributes in one atomic update.
func (g *Group) DeleteAttributes(names ...string) error {
	return g.store.updateAttributes(g.dir, groupFile, func(t *AttributeTable) {
		for _, n := range names {
			t.Delete(n)
		}
	})
}

// Members returns the sorted names of the direct child groups and datasets.
// Hidden entries, such as staged datasets, are skipped.
func (g *Group) Members() ([]string, error) {
	entries, err := os.ReadDir(g.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if g.Has(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Has reports whether name is a group or dataset below g.
func (g *Group) Has(name string) bool {
	return g.IsGroup(name) || g.IsDataset(name)
}

// IsGroup reports whether name is a group below g.
func (g *Group) IsGroup(name string) bool {
	dir, err := g.memberDir(name)
	if err != nil {
		return false
	}
	_, err = os.Stat(filepath.Join(dir, groupFile))
	return err == nil
}

// IsDataset reports whether name is a dataset below g.
func (g *Group) IsDataset(name string) bool {
	dir, err := g.memberDir(name)
	if err != nil {
		return false
	}
	_, err = os.Stat(filepath.Join(dir, datasetFile))
	return err == nil
}

// Group opens an existing child group.
func (g *Group) Group(name string) (*Group, error) {
	dir, err := g.memberDir(name)
	if err != nil {
		return nil, err
	}
	if !g.IsGroup(name) {
		return nil, fmt.Errorf("%w: group %s", ErrNotFound, g.memberName(name))
	}
	return &Group{store: g.store, name: g.memberName(name), dir: dir}, nil
}

// CreateGroup creates a new child group.
func (g *Group) CreateGroup(name string) (*Group, error) {
	if err := g.store.checkWritable(); err != nil {
		return nil, err
	}
	dir, err := g.memberDir(name)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrExists, g.memberName(name))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if err := g.store.writeAttributes(dir, groupFile, NewAttributeTable()); err != nil {
		return nil, err
	}
	return &Group{store: g.store, name: g.memberName(name), dir: dir}, nil
}

// RequireGroup opens the child group, creating it if absent.
func (g *Group) RequireGroup(name string) (*Group, error) {
	if g.IsGroup(name) {
		return g.Group(name)
	}
	return g.CreateGroup(name)
}

// Remove deletes a child group or dataset and everything below it.
// Removing an absent member is not an error.
func (g *Group) Remove(name string) error {
	if err := g.store.checkWritable(); err != nil {
		return err
	}
	dir, err := g.memberDir(name)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// Rename moves a child member to a new name below g.
func (g *Group) Rename(oldName, newName string) error {
	if err := g.store.checkWritable(); err != nil {
		return err
	}
	oldDir, err := g.memberDir(oldName)
	if err != nil {
		return err
	}
	newDir, err := g.memberDir(newName)
	if err != nil {
		return err
	}
	if _, err := os.Stat(oldDir); err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, g.memberName(oldName))
	}
	if _, err := os.Stat(newDir); err == nil {
		return fmt.Errorf("%w: %s", ErrExists, g.memberName(newName))
	}
	return os.Rename(oldDir, newDir)
}
