package notebookfile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pkt.systems/notebookx/schema"
)

const sample = `id: demo
title: Demo notebook
cells:
  - id: intro
    code: |
      print hello
  - id: ask
    code: |
      input name?
      print hi {input}
`

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "demo"+Extension)
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatalf("write sample: %v", err)
	}
	return path
}

func TestOpenReadsCells(t *testing.T) {
	f, err := Open(writeSample(t))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if f.ID() != "demo" || f.Title() != "Demo notebook" {
		t.Fatalf("id=%q title=%q", f.ID(), f.Title())
	}
	cells, err := f.Cells(context.Background())
	if err != nil {
		t.Fatalf("cells: %v", err)
	}
	if len(cells) != 2 || cells[0] != "intro" || cells[1] != "ask" {
		t.Fatalf("cells = %v", cells)
	}
	code, err := f.CellCode(context.Background(), "ask")
	if err != nil {
		t.Fatalf("code: %v", err)
	}
	if code != "input name?\nprint hi {input}\n" {
		t.Fatalf("code = %q", code)
	}
	if _, err := f.CellCode(context.Background(), "missing"); !errors.Is(err, schema.ErrCellNotFound) {
		t.Fatalf("expected cell not found, got %v", err)
	}
}

func TestOpenDerivesIDFromFileName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lesson-1"+Extension)
	if err := os.WriteFile(path, []byte("cells:\n  - id: a\n    code: print a\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	f, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if f.ID() != "lesson-1" {
		t.Fatalf("id = %q", f.ID())
	}
}

func TestOpenRejectsDuplicateCells(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dup"+Extension)
	if err := os.WriteFile(path, []byte("cells:\n  - id: a\n  - id: a\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Open(path); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestOpenRejectsInvalidCellID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad"+Extension)
	if err := os.WriteFile(path, []byte("cells:\n  - id: \"a b\"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Open(path); !errors.Is(err, schema.ErrInvalidCell) {
		t.Fatalf("expected invalid cell, got %v", err)
	}
}

func TestSaveOutputPersists(t *testing.T) {
	path := writeSample(t)
	f, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	if err := f.SaveOutput(ctx, "demo", "intro", "print hello again", "<pre>hello</pre>"); err != nil {
		t.Fatalf("save: %v", err)
	}
	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	output, _ := reopened.CellOutput(ctx, "intro")
	code, _ := reopened.CellCode(ctx, "intro")
	if output != "<pre>hello</pre>" || code != "print hello again" {
		t.Fatalf("output=%q code=%q", output, code)
	}
	if reopened.Snapshot().Cells[0].Updated.IsZero() {
		t.Fatalf("expected updated timestamp")
	}
	if err := f.SaveOutput(ctx, "other", "intro", "", ""); !errors.Is(err, schema.ErrInvalidNotebook) {
		t.Fatalf("expected invalid notebook, got %v", err)
	}
}

func TestCreateAndList(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fresh"+Extension)
	f, err := Create(path, Document{Cells: []Cell{{ID: "c1", Code: "print 1"}}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if f.ID() != "fresh" {
		t.Fatalf("id = %q", f.ID())
	}
	if _, err := Create(path, Document{}); err == nil {
		t.Fatalf("expected exists error")
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	paths, err := List(dir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(paths) != 1 || paths[0] != path {
		t.Fatalf("paths = %v", paths)
	}
	missing, err := List(filepath.Join(dir, "absent"))
	if err != nil || len(missing) != 0 {
		t.Fatalf("missing dir = %v, %v", missing, err)
	}
}

func TestSetCode(t *testing.T) {
	f, err := Open(writeSample(t))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := f.SetCode("intro", "print changed"); err != nil {
		t.Fatalf("set code: %v", err)
	}
	code, _ := f.CellCode(context.Background(), "intro")
	if code != "print changed" {
		t.Fatalf("code = %q", code)
	}
}

func TestComputeDevicePersists(t *testing.T) {
	path := writeSample(t)
	f, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if got := f.ComputeDevice(); got != schema.DeviceCPU {
		t.Fatalf("expected cpu default, got %q", got)
	}
	if err := f.SetComputeDevice(context.Background(), "demo", schema.DeviceGPU); err != nil {
		t.Fatalf("set device: %v", err)
	}
	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := reopened.ComputeDevice(); got != schema.DeviceGPU {
		t.Fatalf("expected gpu after reopen, got %q", got)
	}
	if err := f.SetComputeDevice(context.Background(), "other", schema.DeviceCPU); !errors.Is(err, schema.ErrInvalidNotebook) {
		t.Fatalf("expected notebook mismatch, got %v", err)
	}
}

func TestOpenRejectsUnknownDevice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dev"+Extension)
	if err := os.WriteFile(path, []byte("id: dev\ncompute_device: tpu\ncells: []\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Open(path); !errors.Is(err, schema.ErrInvalidDevice) {
		t.Fatalf("expected invalid device, got %v", err)
	}
}
