package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"pipelex/internal/engine"
)

// FileStore is a durable engine.Store keeping each execution as one JSON
// document under:
//
//	<baseDir>/.pipelex/executions/<type>/<id>/execution.json
//
// All writes are atomic and durable (file sync + atomic rename + dir
// sync), so a crash mid-write never leaves a torn execution on disk.
// Mutating operations serialize behind a process-level mutex; the file is
// the authority, and every mutation is load-modify-write under that lock.
type FileStore struct {
	mu      sync.Mutex
	baseDir string
	clock   engine.Clock
}

// NewFileStore returns a FileStore rooted at baseDir.
func NewFileStore(baseDir string, clock engine.Clock) (*FileStore, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, errors.New("baseDir is required")
	}
	if clock == nil {
		clock = engine.RealClock{}
	}
	return &FileStore{baseDir: baseDir, clock: clock}, nil
}

func (f *FileStore) execDir(typ engine.ExecutionType, id string) string {
	return filepath.Join(f.baseDir, ".pipelex", "executions", string(typ), id)
}

func (f *FileStore) execPath(typ engine.ExecutionType, id string) string {
	return filepath.Join(f.execDir(typ, id), "execution.json")
}

// Retrieve implements engine.Store.
func (f *FileStore) Retrieve(typ engine.ExecutionType, id string) (*engine.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.load(typ, id)
}

func (f *FileStore) load(typ engine.ExecutionType, id string) (*engine.Execution, error) {
	var e engine.Execution
	if err := readJSON(f.execPath(typ, id), &e); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s %s", engine.ErrExecutionNotFound, typ, id)
		}
		return nil, fmt.Errorf("load execution %s: %w", id, err)
	}
	return &e, nil
}

func (f *FileStore) save(e *engine.Execution) error {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal execution %s: %w", e.ID, err)
	}
	data = append(data, '\n')
	if err := os.MkdirAll(f.execDir(e.Type, e.ID), 0o755); err != nil {
		return fmt.Errorf("ensure execution dir: %w", err)
	}
	if err := writeFileAtomic(f.execPath(e.Type, e.ID), data, 0o644); err != nil {
		return fmt.Errorf("write execution %s: %w", e.ID, err)
	}
	return nil
}

// Store implements engine.Store.
func (f *FileStore) Store(e *engine.Execution) error {
	if e == nil || e.ID == "" {
		return errors.New("execution id is required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.save(e)
}

// StoreStage implements engine.Store.
func (f *FileStore) StoreStage(typ engine.ExecutionType, executionID string, stage *engine.Stage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, err := f.load(typ, executionID)
	if err != nil {
		return err
	}
	replaced := false
	for i, s := range e.Stages {
		if s.ID == stage.ID {
			e.Stages[i] = stage
			replaced = true
			break
		}
	}
	if !replaced {
		e.Stages = append(e.Stages, stage)
	}
	return f.save(e)
}

// RemoveStage implements engine.Store.
func (f *FileStore) RemoveStage(typ engine.ExecutionType, executionID, stageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, err := f.load(typ, executionID)
	if err != nil {
		return err
	}
	for i, s := range e.Stages {
		if s.ID == stageID {
			e.Stages = append(e.Stages[:i], e.Stages[i+1:]...)
			return f.save(e)
		}
	}
	return nil
}

// UpdateStatus implements engine.Store.
func (f *FileStore) UpdateStatus(typ engine.ExecutionType, executionID string, status engine.ExecutionStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, err := f.load(typ, executionID)
	if err != nil {
		return false, err
	}
	first := applyStatus(e, status, f.clock)
	if err := f.save(e); err != nil {
		return false, err
	}
	return first, nil
}

// CASStageStatus implements engine.Store.
func (f *FileStore) CASStageStatus(typ engine.ExecutionType, executionID, stageID string, from, to engine.StageStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, err := f.load(typ, executionID)
	if err != nil {
		return false, err
	}
	s := e.StageByID(stageID)
	if s == nil {
		return false, fmt.Errorf("%w: %s", engine.ErrStageNotFound, stageID)
	}
	if s.Status != from {
		return false, nil
	}
	s.Status = to
	if err := f.save(e); err != nil {
		return false, err
	}
	return true, nil
}

func readJSON(path string, dst any) error {
	fh, err := os.Open(path)
	if err != nil {
		return err
	}
	defer fh.Close()

	dec := json.NewDecoder(fh)
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON: trailing content")
	}
	return nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	tmp, err := os.CreateTemp(dir, base+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return fsyncDir(dir)
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
