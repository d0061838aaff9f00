package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/kwv/viscomesh/registration"
)

// Cloud is the JSON point-cloud file format.
// Normals and flags are optional; when present they are index-aligned with positions.
type Cloud struct {
	Positions [][3]float64 `json:"positions"`
	Normals   [][3]float64 `json:"normals,omitempty"`
	Flags     []bool       `json:"flags,omitempty"`
}

// LoadCloud reads and validates a point cloud file
func LoadCloud(path string) (*Cloud, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading cloud %s: %w", path, err)
	}

	var c Cloud
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing cloud %s: %w", path, err)
	}
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("cloud %s: %w", path, err)
	}
	return &c, nil
}

// SaveCloud writes a point cloud file
func SaveCloud(path string, c *Cloud) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling cloud: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing cloud %s: %w", path, err)
	}
	return nil
}

func (c *Cloud) validate() error {
	if len(c.Positions) == 0 {
		return fmt.Errorf("no positions")
	}
	if c.Normals != nil && len(c.Normals) != len(c.Positions) {
		return &registration.DimensionMismatchError{What: "normals", Expected: len(c.Positions), Actual: len(c.Normals)}
	}
	if c.Flags != nil && len(c.Flags) != len(c.Positions) {
		return &registration.DimensionMismatchError{What: "flags", Expected: len(c.Positions), Actual: len(c.Flags)}
	}
	return nil
}

// HasNormals reports whether the file carried normals
func (c *Cloud) HasNormals() bool {
	return len(c.Normals) > 0
}

// Features converts the cloud into a feature set. Missing normals are zero.
func (c *Cloud) Features() (registration.FeatureSet, error) {
	var normals []registration.Vec3
	if c.HasNormals() {
		normals = toVecs(c.Normals)
	}
	return registration.NewFeatureSet(toVecs(c.Positions), normals)
}

// ActiveFlags returns the cloud flags, or all-active when the file had none
func (c *Cloud) ActiveFlags() registration.Flags {
	if c.Flags == nil {
		return registration.AllActive(len(c.Positions))
	}
	out := make(registration.Flags, len(c.Flags))
	copy(out, c.Flags)
	return out
}

// CloudFromFeatures builds a cloud file from a feature set and its flags
func CloudFromFeatures(fs registration.FeatureSet, flags registration.Flags) *Cloud {
	c := &Cloud{
		Positions: fromVecs(fs.Positions()),
		Normals:   fromVecs(fs.Normals()),
	}
	if flags != nil {
		c.Flags = append([]bool(nil), flags...)
	}
	return c
}

func toVecs(in [][3]float64) []registration.Vec3 {
	out := make([]registration.Vec3, len(in))
	for i, v := range in {
		out[i] = registration.Vec3{X: v[0], Y: v[1], Z: v[2]}
	}
	return out
}

func fromVecs(in []registration.Vec3) [][3]float64 {
	out := make([][3]float64, len(in))
	for i, v := range in {
		out[i] = [3]float64{v.X, v.Y, v.Z}
	}
	return out
}
