package store

import (
	"os"
	"path/filepath"
	"testing"
)

type testObj struct {
	Name  string  `json:"name"`
	Count int     `json:"count"`
	Value float64 `json:"value"`
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	in := testObj{Name: "spy-condor", Count: 3, Value: 1234.56}
	if err := s.Save(KeyPositions, in); err != nil {
		t.Fatal(err)
	}

	var out testObj
	found, err := s.Load(KeyPositions, &out)
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("saved object not found")
	}
	if out != in {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}
}

func TestLoadMissing(t *testing.T) {
	t.Parallel()
	s, _ := Open(t.TempDir())

	var out testObj
	found, err := s.Load("nothing", &out)
	if err != nil {
		t.Fatalf("missing object should not error: %v", err)
	}
	if found {
		t.Error("missing object reported found")
	}
}

func TestHasAndDelete(t *testing.T) {
	t.Parallel()
	s, _ := Open(t.TempDir())

	if s.Has(KeyStateMachines) {
		t.Error("fresh store should not have key")
	}
	if err := s.Save(KeyStateMachines, map[string]string{"condor-0dte": "Ready"}); err != nil {
		t.Fatal(err)
	}
	if !s.Has(KeyStateMachines) {
		t.Error("saved key not reported")
	}
	if err := s.Delete(KeyStateMachines); err != nil {
		t.Fatal(err)
	}
	if s.Has(KeyStateMachines) {
		t.Error("deleted key still reported")
	}
	// Deleting again is not an error.
	if err := s.Delete(KeyStateMachines); err != nil {
		t.Errorf("double delete: %v", err)
	}
}

func TestNoTempFileLeftBehind(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, _ := Open(dir)

	if err := s.Save(KeyPositions, testObj{Name: "x"}); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestSaveOverwrites(t *testing.T) {
	t.Parallel()
	s, _ := Open(t.TempDir())

	s.Save(KeyPositions, testObj{Count: 1})
	s.Save(KeyPositions, testObj{Count: 2})

	var out testObj
	s.Load(KeyPositions, &out)
	if out.Count != 2 {
		t.Errorf("count = %d, want overwritten 2", out.Count)
	}
}
