package coords_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/veldt/denbot/coords"
	"github.com/veldt/denbot/den"
)

func writeTable(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dens.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const table = `
regions:
  vanilla:
    vanilla-010: {x: 115.2, y: 8.0, z: 372.4}
    vanilla-011: {x: 140.0, y: 8.0, z: 401.9}
  crowntundra:
    crowntundra-000: {x: -55.0, y: 12.5, z: 88.1}
`

func TestLookup(t *testing.T) {
	src, err := coords.NewFileSource(writeTable(t, table), nil)
	if err != nil {
		t.Fatal(err)
	}

	p, err := src.Lookup(den.RegionVanilla, "vanilla-010")
	if err != nil {
		t.Fatal(err)
	}
	if p.X != 115.2 || p.Y != 8.0 || p.Z != 372.4 {
		t.Fatalf("point %+v", p)
	}

	_, err = src.Lookup(den.RegionVanilla, "vanilla-099")
	var unk *coords.ErrUnknownDen
	if !errors.As(err, &unk) {
		t.Fatalf("want ErrUnknownDen, got %v", err)
	}

	_, err = src.Lookup(den.RegionIsleOfArmor, "armor-000")
	if !errors.As(err, &unk) {
		t.Fatalf("want ErrUnknownDen for absent region, got %v", err)
	}
}

func TestRefreshPicksUpChanges(t *testing.T) {
	path := writeTable(t, table)
	src, err := coords.NewFileSource(path, nil)
	if err != nil {
		t.Fatal(err)
	}

	updated := `
regions:
  vanilla:
    vanilla-010: {x: 999.0, y: 8.0, z: 372.4}
`
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}

	// Not reloaded until Refresh is called explicitly.
	p, _ := src.Lookup(den.RegionVanilla, "vanilla-010")
	if p.X != 115.2 {
		t.Fatalf("table reloaded implicitly: %+v", p)
	}

	if err := src.Refresh(den.RegionVanilla); err != nil {
		t.Fatal(err)
	}
	p, err = src.Lookup(den.RegionVanilla, "vanilla-010")
	if err != nil {
		t.Fatal(err)
	}
	if p.X != 999.0 {
		t.Fatalf("refresh did not apply: %+v", p)
	}
	if src.Reloads() != 1 {
		t.Fatalf("reloads = %d, want 1", src.Reloads())
	}
}

func TestDist(t *testing.T) {
	a := coords.Point{X: 0, Y: 0, Z: 0}
	b := coords.Point{X: 3, Y: 4, Z: 0}
	if d := a.Dist(b); d != 5 {
		t.Fatalf("dist = %v, want 5", d)
	}
}

func TestNewFileSourceMissingFile(t *testing.T) {
	_, err := coords.NewFileSource(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	if err == nil {
		t.Fatal("want error for missing file")
	}
}
