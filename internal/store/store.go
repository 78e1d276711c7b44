package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"fundwatch/internal/models"
)

// SchemaVersion is stamped into every document on write.
const SchemaVersion = "1.0"

// ErrNotFound marks the expected "no document yet" condition. It is distinct
// from a present-but-invalid document, which is a hard error.
var ErrNotFound = errors.New("document not found")

// Store reads and writes per-fund persisted documents. Every write goes
// through the temp-write + fsync + rename pattern so a reader never observes
// a partially written document.
type Store struct {
	dataDir string
}

func New(dataDir string) *Store {
	return &Store{dataDir: dataDir}
}

func (s *Store) fundDir(fundID string) string {
	return filepath.Join(s.dataDir, "funds", fundID)
}

// LoadPortfolio reads a fund's portfolio document.
func (s *Store) LoadPortfolio(fundID string) (models.Portfolio, error) {
	var p models.Portfolio
	if err := s.readDoc(fundID, "portfolio.json", &p); err != nil {
		return p, err
	}
	if err := validatePortfolio(&p); err != nil {
		return p, fmt.Errorf("portfolio for %s: %w", fundID, err)
	}
	return p, nil
}

// SavePortfolio persists a fund's portfolio atomically.
func (s *Store) SavePortfolio(fundID string, p models.Portfolio) error {
	p.Version = SchemaVersion
	return s.writeDoc(fundID, "portfolio.json", p)
}

// LoadObjectives reads a fund's objective tracker.
func (s *Store) LoadObjectives(fundID string) (models.ObjectiveTracker, error) {
	var o models.ObjectiveTracker
	err := s.readDoc(fundID, "objectives.json", &o)
	return o, err
}

// SaveObjectives persists a fund's objective tracker atomically.
func (s *Store) SaveObjectives(fundID string, o models.ObjectiveTracker) error {
	o.Version = SchemaVersion
	return s.writeDoc(fundID, "objectives.json", o)
}

// LoadSession reads a fund's last session record. ErrNotFound means the fund
// has never run a session.
func (s *Store) LoadSession(fundID string) (models.SessionRecord, error) {
	var r models.SessionRecord
	if err := s.readDoc(fundID, "session.json", &r); err != nil {
		return r, err
	}
	if r.Status == "" {
		return r, fmt.Errorf("session record for %s: missing status", fundID)
	}
	return r, nil
}

// SaveSession persists a fund's session record atomically.
func (s *Store) SaveSession(fundID string, r models.SessionRecord) error {
	r.Version = SchemaVersion
	return s.writeDoc(fundID, "session.json", r)
}

func (s *Store) readDoc(fundID, name string, out interface{}) error {
	path := filepath.Join(s.fundDir(fundID), name)

	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func (s *Store) writeDoc(fundID, name string, doc interface{}) error {
	dir := s.fundDir(fundID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}

	// Temp file in the same directory so the rename stays on one filesystem.
	path := filepath.Join(dir, name)
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp %s: %w", tmp, err)
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		return fmt.Errorf("write temp %s: %w", tmp, err)
	}
	// Sync before rename so a crash cannot leave an empty renamed file.
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync temp %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

func validatePortfolio(p *models.Portfolio) error {
	for _, pos := range p.Positions {
		if pos.Symbol == "" {
			return errors.New("position with empty symbol")
		}
		if pos.Shares.IsNegative() {
			return fmt.Errorf("position %s: negative share count", pos.Symbol)
		}
	}
	return nil
}
