package site

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/beyazitkolemen/serverbond-docker/internal/agenterr"
)

// RecordFile is the per-site metadata file written into the site directory.
const RecordFile = ".serverbond.json"

// Store reads and writes site records under the agent's base directory.
// Each site is a directory named after the site holding the checkout, the
// rendered compose files and the record file.
type Store struct {
	baseDir string
}

func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// Dir returns the directory a site lives in.
func (s *Store) Dir(name string) string {
	return filepath.Join(s.baseDir, name)
}

// Exists reports whether the site directory is present on disk.
func (s *Store) Exists(name string) bool {
	info, err := os.Stat(s.Dir(name))
	return err == nil && info.IsDir()
}

// Save writes the record atomically into the site directory with owner-only
// permissions, since it carries credentials.
func (s *Store) Save(site *Site) error {
	if site.Name == "" {
		return agenterr.Validationf("site name cannot be empty")
	}
	site.UpdatedAt = time.Now().UTC()
	if site.CreatedAt.IsZero() {
		site.CreatedAt = site.UpdatedAt
	}
	data, err := json.MarshalIndent(site, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal site record: %w", err)
	}
	dir := s.Dir(site.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create site dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, RecordFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod record: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close record: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, RecordFile)); err != nil {
		return fmt.Errorf("rename record: %w", err)
	}
	return nil
}

// Load reads the record for a site. A missing directory or record reports
// ErrNotFound.
func (s *Store) Load(name string) (*Site, error) {
	data, err := os.ReadFile(filepath.Join(s.Dir(name), RecordFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("site %s: %w", name, agenterr.ErrNotFound)
		}
		return nil, fmt.Errorf("read site record: %w", err)
	}
	var site Site
	if err := json.Unmarshal(data, &site); err != nil {
		return nil, fmt.Errorf("decode site record: %w", err)
	}
	return &site, nil
}

// List returns every site with a readable record, sorted by name.
// Directories without a record are skipped.
func (s *Store) List() ([]*Site, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read base dir: %w", err)
	}
	var sites []*Site
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		site, err := s.Load(entry.Name())
		if err != nil {
			continue
		}
		sites = append(sites, site)
	}
	sort.Slice(sites, func(i, j int) bool { return sites[i].Name < sites[j].Name })
	return sites, nil
}

// Delete removes the site directory and everything in it.
func (s *Store) Delete(name string) error {
	if !s.Exists(name) {
		return fmt.Errorf("site %s: %w", name, agenterr.ErrNotFound)
	}
	if err := os.RemoveAll(s.Dir(name)); err != nil {
		return fmt.Errorf("remove site dir: %w", err)
	}
	return nil
}

// SetState persists a state transition on an existing record.
func (s *Store) SetState(name string, state State) error {
	site, err := s.Load(name)
	if err != nil {
		return err
	}
	site.State = state
	return s.Save(site)
}
