// Package coords supplies world coordinates for dens. The den table is a
// YAML file loaded once at startup and explicitly reloaded via Refresh when
// the rotation layer decides navigation has drifted — never implicitly.
package coords

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/veldt/denbot/den"
)

// Point is a world position.
type Point struct {
	X float64 `yaml:"x" json:"x"`
	Y float64 `yaml:"y" json:"y"`
	Z float64 `yaml:"z" json:"z"`
}

// Dist returns the euclidean distance to another point.
func (p Point) Dist(q Point) float64 {
	dx, dy, dz := p.X-q.X, p.Y-q.Y, p.Z-q.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// ErrUnknownDen is returned when a den id has no coordinates in a region.
type ErrUnknownDen struct {
	Region den.RegionID
	DenID  string
}

func (e *ErrUnknownDen) Error() string {
	return fmt.Sprintf("coords: unknown den %q in region %s", e.DenID, e.Region)
}

type fileFormat struct {
	Regions map[string]map[string]Point `yaml:"regions"`
}

// FileSource loads den coordinates from a YAML file:
//
//	regions:
//	  vanilla:
//	    vanilla-010: {x: 115.2, y: 8.0, z: 372.4}
type FileSource struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	regions map[den.RegionID]map[string]Point

	reloads atomic.Int64
}

// NewFileSource creates a source for path and performs the initial load.
func NewFileSource(path string, logger *slog.Logger) (*FileSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &FileSource{path: path, logger: logger}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reloads returns how many times Refresh has reloaded the table.
func (s *FileSource) Reloads() int64 { return s.reloads.Load() }

// Lookup returns the coordinates for a den.
func (s *FileSource) Lookup(region den.RegionID, denID string) (Point, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dens, ok := s.regions[region]
	if !ok {
		return Point{}, &ErrUnknownDen{Region: region, DenID: denID}
	}
	p, ok := dens[denID]
	if !ok {
		return Point{}, &ErrUnknownDen{Region: region, DenID: denID}
	}
	return p, nil
}

// Refresh reloads the coordinate table from disk. The whole file is
// re-read; region narrows only the log line, not the reload.
func (s *FileSource) Refresh(region den.RegionID) error {
	if err := s.load(); err != nil {
		return err
	}
	s.reloads.Add(1)
	s.logger.Info("coords: table refreshed", "region", region, "path", s.path)
	return nil
}

func (s *FileSource) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("coords: read %s: %w", s.path, err)
	}
	var ff fileFormat
	if err := yaml.Unmarshal(data, &ff); err != nil {
		return fmt.Errorf("coords: parse %s: %w", s.path, err)
	}
	regions := make(map[den.RegionID]map[string]Point, len(ff.Regions))
	for id, dens := range ff.Regions {
		regions[den.RegionID(id)] = dens
	}
	s.mu.Lock()
	s.regions = regions
	s.mu.Unlock()
	return nil
}
