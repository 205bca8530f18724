// Package notebookfile stores a notebook as a YAML document of cells with their code and
// last rendered output.
package notebookfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"pkt.systems/notebookx/schema"
)

// Extension is the file extension of notebook documents.
const Extension = ".notebook.yaml"

// Cell is one notebook cell.
type Cell struct {
	ID      string    `yaml:"id"`
	Code    string    `yaml:"code"`
	Output  string    `yaml:"output,omitempty"`
	Updated time.Time `yaml:"updated,omitempty"`
}

// Document is the on-disk layout of a notebook.
type Document struct {
	ID            string `yaml:"id"`
	Title         string `yaml:"title,omitempty"`
	ComputeDevice string `yaml:"compute_device,omitempty"`
	Cells         []Cell `yaml:"cells"`
}

// File is a notebook backed by a YAML file. Saved outputs are written back atomically.
type File struct {
	path string

	mu  sync.Mutex
	doc Document
}

// Open reads the notebook at path. A document without an id takes it from the file name.
func Open(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse notebook %s: %w", path, err)
	}
	if strings.TrimSpace(doc.ID) == "" {
		doc.ID = IDFromPath(path)
	}
	notebookID, err := schema.NormalizeNotebookID(doc.ID)
	if err != nil {
		return nil, fmt.Errorf("notebook %s: %w", path, err)
	}
	doc.ID = string(notebookID)
	if strings.TrimSpace(doc.ComputeDevice) != "" {
		device, err := schema.NormalizeComputeDevice(doc.ComputeDevice)
		if err != nil {
			return nil, fmt.Errorf("notebook %s: %w", path, err)
		}
		doc.ComputeDevice = string(device)
	}
	seen := make(map[string]struct{}, len(doc.Cells))
	for i, cell := range doc.Cells {
		id, err := schema.NormalizeCellID(cell.ID)
		if err != nil {
			return nil, fmt.Errorf("notebook %s cell %d: %w", path, i+1, err)
		}
		if _, ok := seen[string(id)]; ok {
			return nil, fmt.Errorf("notebook %s: duplicate cell id %q", path, id)
		}
		seen[string(id)] = struct{}{}
		doc.Cells[i].ID = string(id)
	}
	return &File{path: path, doc: doc}, nil
}

// Create writes a new notebook document and opens it.
func Create(path string, doc Document) (*File, error) {
	if strings.TrimSpace(doc.ID) == "" {
		doc.ID = IDFromPath(path)
	}
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("notebook already exists: %s", path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	f := &File{path: path, doc: doc}
	if err := f.write(); err != nil {
		return nil, err
	}
	return Open(path)
}

// IDFromPath derives a notebook id from the file name.
func IDFromPath(path string) string {
	base := filepath.Base(path)
	for _, ext := range []string{Extension, ".yaml", ".yml"} {
		if strings.HasSuffix(base, ext) {
			return strings.TrimSuffix(base, ext)
		}
	}
	return base
}

// Path returns the backing file path.
func (f *File) Path() string {
	return f.path
}

// ID returns the notebook id.
func (f *File) ID() schema.NotebookID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return schema.NotebookID(f.doc.ID)
}

// Title returns the notebook title, falling back to its id.
func (f *File) Title() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.doc.Title != "" {
		return f.doc.Title
	}
	return f.doc.ID
}

// ComputeDevice returns the recorded compute device, cpu when none is set.
func (f *File) ComputeDevice() schema.ComputeDevice {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.doc.ComputeDevice == "" {
		return schema.DeviceCPU
	}
	return schema.ComputeDevice(f.doc.ComputeDevice)
}

// SetComputeDevice records the compute device and writes the document.
func (f *File) SetComputeDevice(ctx context.Context, notebook schema.NotebookID, device schema.ComputeDevice) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	normalized, err := schema.NormalizeComputeDevice(string(device))
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if notebook != "" && string(notebook) != f.doc.ID {
		return fmt.Errorf("compute device for %s: %w", notebook, schema.ErrInvalidNotebook)
	}
	f.doc.ComputeDevice = string(normalized)
	return f.writeLocked()
}

// Snapshot returns a copy of the document.
func (f *File) Snapshot() Document {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc := f.doc
	doc.Cells = append([]Cell(nil), f.doc.Cells...)
	return doc
}

// Cells lists the cell ids in document order.
func (f *File) Cells(context.Context) ([]schema.CellID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cells := make([]schema.CellID, 0, len(f.doc.Cells))
	for _, cell := range f.doc.Cells {
		cells = append(cells, schema.CellID(cell.ID))
	}
	return cells, nil
}

// CellCode returns the current code of cell.
func (f *File) CellCode(_ context.Context, cell schema.CellID) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.indexLocked(cell)
	if idx < 0 {
		return "", schema.ErrCellNotFound
	}
	return f.doc.Cells[idx].Code, nil
}

// CellOutput returns the last saved output of cell.
func (f *File) CellOutput(_ context.Context, cell schema.CellID) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.indexLocked(cell)
	if idx < 0 {
		return "", schema.ErrCellNotFound
	}
	return f.doc.Cells[idx].Output, nil
}

// SetCode replaces the code of cell and writes the document.
func (f *File) SetCode(cell schema.CellID, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.indexLocked(cell)
	if idx < 0 {
		return schema.ErrCellNotFound
	}
	f.doc.Cells[idx].Code = code
	return f.writeLocked()
}

// SaveOutput stores code and output for cell and writes the document.
func (f *File) SaveOutput(ctx context.Context, notebook schema.NotebookID, cell schema.CellID, code, outputHTML string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if notebook != "" && string(notebook) != f.doc.ID {
		return fmt.Errorf("save output for %s: %w", notebook, schema.ErrInvalidNotebook)
	}
	idx := f.indexLocked(cell)
	if idx < 0 {
		return schema.ErrCellNotFound
	}
	f.doc.Cells[idx].Code = code
	f.doc.Cells[idx].Output = outputHTML
	f.doc.Cells[idx].Updated = time.Now().UTC()
	return f.writeLocked()
}

func (f *File) indexLocked(cell schema.CellID) int {
	for i, c := range f.doc.Cells {
		if c.ID == string(cell) {
			return i
		}
	}
	return -1
}

func (f *File) write() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeLocked()
}

func (f *File) writeLocked() error {
	data, err := yaml.Marshal(&f.doc)
	if err != nil {
		return err
	}
	return writeAtomic(f.path, data)
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".notebook-*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// List returns the notebook files in dir, sorted by name.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), Extension) {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}
