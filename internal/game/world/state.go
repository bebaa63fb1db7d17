package world

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfBounds is returned when a tile coordinate lies outside the map.
	ErrOutOfBounds = errors.New("tile out of bounds")
	// ErrInvalidState is returned when a map breaks the grid invariant.
	ErrInvalidState = errors.New("invalid world state")
)

// Tile is one cell of a player's map.
type Tile struct {
	// Name identifies the terrain, e.g. "grass" or "water".
	Name string `json:"name" yaml:"name"`
	// Contains lists the objects placed on the tile.
	Contains []string `json:"contains,omitempty" yaml:"contains,omitempty"`
}

// String returns the tile name.
func (t Tile) String() string {
	return t.Name
}

// Position is a player's last known location.
type Position struct {
	X     int32  `json:"x" yaml:"x"`
	Y     int32  `json:"y" yaml:"y"`
	Layer string `json:"layer,omitempty" yaml:"layer,omitempty"`
}

// State is the per-player world snapshot: a row-major grid of tiles.
//
// Invariant: len(Tiles) == Width*Height.
type State struct {
	Width  int    `json:"width" yaml:"width"`
	Height int    `json:"height" yaml:"height"`
	Tiles  []Tile `json:"tiles" yaml:"tiles"`
}

// NewState creates a width x height map filled with fill.
//
// Precondition: width and height must be >= 0.
// Postcondition: Returns a State whose every tile is a copy of fill.
func NewState(width, height int, fill string) State {
	if width < 0 {
		width = 0
	}
	if height < 0 {
		height = 0
	}
	tiles := make([]Tile, width*height)
	for i := range tiles {
		tiles[i] = Tile{Name: fill}
	}
	return State{Width: width, Height: height, Tiles: tiles}
}

// DefaultState is the map handed to a player with no saved snapshot.
func DefaultState() State {
	return NewState(16, 16, "grass")
}

// Validate checks the grid invariant.
func (s State) Validate() error {
	if s.Width < 0 || s.Height < 0 {
		return fmt.Errorf("%w: dimensions %dx%d", ErrInvalidState, s.Width, s.Height)
	}
	if len(s.Tiles) != s.Width*s.Height {
		return fmt.Errorf("%w: map %dx%d has %d tiles", ErrInvalidState, s.Width, s.Height, len(s.Tiles))
	}
	return nil
}

// Tile returns the tile at (x, y).
//
// Postcondition: Returns ErrOutOfBounds when (x, y) lies outside the map.
func (s State) Tile(x, y int) (Tile, error) {
	idx, err := s.index(x, y)
	if err != nil {
		return Tile{}, err
	}
	return s.Tiles[idx], nil
}

// SetTile replaces the tile at (x, y).
func (s *State) SetTile(x, y int, t Tile) error {
	idx, err := s.index(x, y)
	if err != nil {
		return err
	}
	s.Tiles[idx] = t
	return nil
}

// Clone returns a deep copy that shares no memory with s.
func (s State) Clone() State {
	out := State{Width: s.Width, Height: s.Height}
	if s.Tiles != nil {
		out.Tiles = make([]Tile, len(s.Tiles))
		for i, t := range s.Tiles {
			out.Tiles[i] = Tile{Name: t.Name}
			if t.Contains != nil {
				out.Tiles[i].Contains = append([]string(nil), t.Contains...)
			}
		}
	}
	return out
}

func (s State) index(x, y int) (int, error) {
	if x < 0 || y < 0 || x >= s.Width || y >= s.Height {
		return 0, fmt.Errorf("%w: (%d,%d) in %dx%d", ErrOutOfBounds, x, y, s.Width, s.Height)
	}
	idx := y*s.Width + x
	if idx >= len(s.Tiles) {
		return 0, fmt.Errorf("%w: (%d,%d) beyond %d tiles", ErrOutOfBounds, x, y, len(s.Tiles))
	}
	return idx, nil
}
