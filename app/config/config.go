// Package config loads the applicant profile, a small typed YAML document.
// Parsing is strict: unknown keys and a missing name fail fast instead of the
// old best-effort fallbacks.
package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Applicant is the profile used by the form-filling producers and shown in
// the UI. Only non-sensitive fields live here.
type Applicant struct {
	Name               string   `yaml:"name" json:"name"`
	TargetRoles        []string `yaml:"target_roles" json:"target_roles"`
	LocationPreference string   `yaml:"location_preference" json:"location_preference"`
	Industries         []string `yaml:"industries" json:"industries"`
}

// Load reads and strictly parses the applicant profile. A missing file is an
// error distinct from a malformed one, callers decide whether setup is
// required.
func Load(path string) (Applicant, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is operator-provided
	if err != nil {
		return Applicant{}, fmt.Errorf("can't read config %s: %w", path, err)
	}

	var res Applicant
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&res); err != nil {
		return Applicant{}, fmt.Errorf("can't parse config %s: %w", path, err)
	}
	if res.Name == "" {
		return Applicant{}, fmt.Errorf("config %s missing required name", path)
	}
	return res, nil
}

// Save writes the profile back.
func Save(path string, a Applicant) error {
	data, err := yaml.Marshal(a)
	if err != nil {
		return fmt.Errorf("can't encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("can't write config %s: %w", path, err)
	}
	return nil
}

// Merge overlays non-zero fields of upd onto a, used by the save endpoint so
// a partial update doesn't wipe the rest of the profile.
func Merge(a, upd Applicant) Applicant {
	if upd.Name != "" {
		a.Name = upd.Name
	}
	if upd.TargetRoles != nil {
		a.TargetRoles = upd.TargetRoles
	}
	if upd.LocationPreference != "" {
		a.LocationPreference = upd.LocationPreference
	}
	if upd.Industries != nil {
		a.Industries = upd.Industries
	}
	return a
}
