package storage

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/dgraph-io/badger/v4"

	"github.com/hailam/kaya/katanet/desc"
	"github.com/hailam/kaya/katanet/synth"
)

func openTemp(t *testing.T) *Storage {
	t.Helper()
	s, err := Open(Options{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func generate(t *testing.T, name, layout string) *desc.Model {
	t.Helper()
	cfg := synth.DefaultConfig()
	cfg.Name = name
	cfg.Layout = layout
	m, err := synth.Generate(cfg)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	return m
}

func TestStorage(t *testing.T) {
	s := openTemp(t)

	t.Run("DefaultPreferences", func(t *testing.T) {
		prefs, err := s.LoadPreferences()
		if err != nil {
			t.Fatalf("LoadPreferences failed: %v", err)
		}
		if prefs.DefaultModel != "" {
			t.Errorf("Expected no default model, got %q", prefs.DefaultModel)
		}
		if prefs.RenderSize != 570 {
			t.Errorf("Expected render size 570, got %d", prefs.RenderSize)
		}
	})

	t.Run("SavePreferences", func(t *testing.T) {
		prefs := DefaultPreferences()
		prefs.DefaultModel = "b6"
		prefs.RenderSize = 380
		if err := s.SavePreferences(prefs); err != nil {
			t.Fatalf("SavePreferences failed: %v", err)
		}
		got, err := s.LoadPreferences()
		if err != nil {
			t.Fatalf("LoadPreferences failed: %v", err)
		}
		if got.DefaultModel != "b6" || got.RenderSize != 380 {
			t.Errorf("Loaded %+v", got)
		}
	})

	t.Run("ModelRoundTrip", func(t *testing.T) {
		m := generate(t, "b6", "o g n(o)")
		e, err := s.SaveModel(m)
		if err != nil {
			t.Fatalf("SaveModel failed: %v", err)
		}
		if e.Params != m.ParamCount() || e.Depth != 1 || e.Blocks != 4 {
			t.Errorf("Entry = %+v", e)
		}
		if e.StoredSize <= 0 || e.StoredSize >= e.RawSize {
			t.Errorf("stored %d bytes for %d raw", e.StoredSize, e.RawSize)
		}

		got, err := s.LoadModel("b6")
		if err != nil {
			t.Fatalf("LoadModel failed: %v", err)
		}
		if !reflect.DeepEqual(got, m) {
			t.Error("loaded model differs from the saved one")
		}
		// A second load may come from the cache and must agree.
		again, err := s.LoadModel("b6")
		if err != nil {
			t.Fatalf("LoadModel failed: %v", err)
		}
		if !reflect.DeepEqual(again, m) {
			t.Error("cached model differs from the saved one")
		}
	})

	t.Run("Replace", func(t *testing.T) {
		if _, err := s.SaveModel(generate(t, "b6", "o")); err != nil {
			t.Fatalf("SaveModel failed: %v", err)
		}
		got, err := s.LoadModel("b6")
		if err != nil {
			t.Fatalf("LoadModel failed: %v", err)
		}
		if got.NumBlocks() != 1 {
			t.Errorf("loaded %d blocks, want the replacement's 1", got.NumBlocks())
		}
	})

	t.Run("List", func(t *testing.T) {
		if _, err := s.SaveModel(generate(t, "a2", "o o")); err != nil {
			t.Fatalf("SaveModel failed: %v", err)
		}
		entries, err := s.ListModels()
		if err != nil {
			t.Fatalf("ListModels failed: %v", err)
		}
		if len(entries) != 2 || entries[0].Name != "a2" || entries[1].Name != "b6" {
			t.Errorf("ListModels = %+v", entries)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := s.DeleteModel("a2"); err != nil {
			t.Fatalf("DeleteModel failed: %v", err)
		}
		if _, err := s.LoadModel("a2"); !errors.Is(err, ErrModelNotFound) {
			t.Errorf("LoadModel after delete = %v, want ErrModelNotFound", err)
		}
		if err := s.DeleteModel("a2"); !errors.Is(err, ErrModelNotFound) {
			t.Errorf("second DeleteModel = %v, want ErrModelNotFound", err)
		}
	})
}

func TestChecksumMismatch(t *testing.T) {
	s := openTemp(t)
	if _, err := s.SaveModel(generate(t, "good", "o")); err != nil {
		t.Fatalf("SaveModel failed: %v", err)
	}
	other := generate(t, "good", "g")
	other.Version = 9
	var raw []byte
	{
		f := filepath.Join(t.TempDir(), "other.json")
		if err := WriteDescription(f, other); err != nil {
			t.Fatal(err)
		}
		var err error
		if raw, err = os.ReadFile(f); err != nil {
			t.Fatal(err)
		}
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(prefixModel+"good"), s.enc.EncodeAll(raw, nil))
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.LoadModel("good"); !errors.Is(err, ErrChecksum) {
		t.Errorf("LoadModel = %v, want ErrChecksum", err)
	}
}

func TestSaveRequiresName(t *testing.T) {
	s := openTemp(t)
	m := generate(t, "x", "o")
	m.Name = ""
	if _, err := s.SaveModel(m); err == nil {
		t.Error("expected error for unnamed model")
	}
}

func TestDescriptionFiles(t *testing.T) {
	m := generate(t, "file", "o n(g)")
	dir := t.TempDir()
	for _, name := range []string{"model.json", "model.json.zst"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			if err := WriteDescription(path, m); err != nil {
				t.Fatalf("WriteDescription failed: %v", err)
			}
			got, err := ReadDescription(path)
			if err != nil {
				t.Fatalf("ReadDescription failed: %v", err)
			}
			if !reflect.DeepEqual(got, m) {
				t.Error("read model differs from the written one")
			}
		})
	}

	if _, err := ReadDescription(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestDataPaths(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())
	t.Setenv("APPDATA", t.TempDir())

	dataDir, err := GetDataDir()
	if err != nil {
		t.Fatalf("GetDataDir failed: %v", err)
	}
	if filepath.Base(dataDir) != appName {
		t.Errorf("GetDataDir = %s, want a %s directory", dataDir, appName)
	}

	dbDir, err := GetDatabaseDir()
	if err != nil {
		t.Fatalf("GetDatabaseDir failed: %v", err)
	}
	if _, err := os.Stat(dbDir); os.IsNotExist(err) {
		t.Errorf("Database directory was not created: %s", dbDir)
	}

	t.Logf("Data directory: %s", dataDir)
}
