package image

import (
	"errors"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "kestrel.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreSaveLoad(t *testing.T) {
	s := openTestStore(t)
	p := sampleProgram()

	id, err := s.SaveImage("main", p)
	if err != nil {
		t.Fatalf("SaveImage: %v", err)
	}
	if id == "" {
		t.Error("empty image id")
	}

	got, err := s.LoadImage("main")
	if err != nil {
		t.Fatalf("LoadImage: %v", err)
	}
	if string(got.Bytecode) != string(p.Bytecode) {
		t.Error("bytecode mismatched after store round trip")
	}
}

func TestStoreMissingImage(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.LoadImage("ghost"); !errors.Is(err, ErrImageNotFound) {
		t.Errorf("err = %v, want ErrImageNotFound", err)
	}
	if err := s.DeleteImage("ghost"); !errors.Is(err, ErrImageNotFound) {
		t.Errorf("delete err = %v, want ErrImageNotFound", err)
	}
}

func TestStoreReplaceAndList(t *testing.T) {
	s := openTestStore(t)
	p := sampleProgram()

	if _, err := s.SaveImage("a", p); err != nil {
		t.Fatal(err)
	}
	id2, err := s.SaveImage("a", p) // replace
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.SaveImage("b", p); err != nil {
		t.Fatal(err)
	}

	infos, err := s.ListImages()
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 2 {
		t.Fatalf("listed %d images, want 2", len(infos))
	}
	if infos[0].Name != "a" || infos[0].ID != id2 {
		t.Errorf("image a = %+v, want replaced id %s", infos[0], id2)
	}
}

func TestStoreSnapshots(t *testing.T) {
	s := openTestStore(t)
	id, err := s.SaveImage("main", sampleProgram())
	if err != nil {
		t.Fatal(err)
	}

	words := []uint64{7, 8, 9}
	snapID, err := s.SaveSnapshot(id, words)
	if err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	got, err := s.LoadSnapshot(snapID)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if len(got) != 3 || got[0] != 7 || got[2] != 9 {
		t.Errorf("snapshot = %v", got)
	}

	if _, err := s.LoadSnapshot("nope"); !errors.Is(err, ErrSnapshotNotFound) {
		t.Errorf("err = %v, want ErrSnapshotNotFound", err)
	}
}
