package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ManifestFile is the manifest name looked up inside a model directory.
const ManifestFile = "manifest.yaml"

// Backends understood by Load.
const (
	BackendLocal  = "local"
	BackendRemote = "remote"
)

// Manifest describes the detector and prioritizer artifacts of a model
// directory.
type Manifest struct {
	Version     string `yaml:"version"`
	Detector    Spec   `yaml:"detector"`
	Prioritizer Spec   `yaml:"prioritizer"`
}

// Spec describes one model entry in the manifest. Artifact and Schema are
// paths relative to the model directory.
type Spec struct {
	Name     string        `yaml:"name"`
	Version  string        `yaml:"version"`
	Backend  string        `yaml:"backend"`
	Artifact string        `yaml:"artifact"`
	Schema   string        `yaml:"schema"`
	Endpoint string        `yaml:"endpoint"`
	Classes  int           `yaml:"classes"`
	Timeout  time.Duration `yaml:"timeout"`
}

// RemoteSpec is passed to Options.NewRemote for remote-backed entries.
type RemoteSpec struct {
	Name     string
	Version  string
	Endpoint string
	Timeout  time.Duration
}

// Options configures Load.
type Options struct {
	// NewRemote builds a scorer for entries with backend "remote". Load fails
	// on such entries when nil.
	NewRemote func(RemoteSpec) (Scorer, error)
}

// LoadManifest parses a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return &m, nil
}

// Load reads dir/manifest.yaml and builds the detector and prioritizer.
func Load(dir string, opts Options) (*Set, error) {
	man, err := LoadManifest(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, err
	}

	det, detErr := loadModel(dir, "detector", man.Version, man.Detector, opts)
	pri, priErr := loadModel(dir, "prioritizer", man.Version, man.Prioritizer, opts)
	if err := errors.Join(detErr, priErr); err != nil {
		return nil, err
	}

	set := &Set{Detector: det, Prioritizer: pri}
	if err := set.Validate(); err != nil {
		return nil, err
	}
	return set, nil
}

func loadModel(dir, role, defaultVersion string, spec Spec, opts Options) (*Model, error) {
	if spec.Schema == "" {
		return nil, fmt.Errorf("%s: schema path not set", role)
	}
	schema, err := loadSchema(filepath.Join(dir, spec.Schema))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", role, err)
	}
	if err := schema.Validate(); err != nil {
		return nil, fmt.Errorf("%s schema: %w", role, err)
	}

	m := &Model{
		Name:    spec.Name,
		Version: spec.Version,
		Backend: spec.Backend,
		Schema:  schema,
		Classes: spec.Classes,
	}
	if m.Name == "" {
		m.Name = role
	}
	if m.Version == "" {
		m.Version = defaultVersion
	}
	if m.Backend == "" {
		m.Backend = BackendLocal
	}

	switch m.Backend {
	case BackendLocal:
		lin, err := loadLinear(filepath.Join(dir, spec.Artifact))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", role, err)
		}
		if lin.Width() != schema.Width() {
			return nil, fmt.Errorf("%s: artifact expects %d features, schema has %d", role, lin.Width(), schema.Width())
		}
		if m.Classes == 0 {
			m.Classes = lin.Classes
		} else if m.Classes != lin.Classes {
			return nil, fmt.Errorf("%s: manifest declares %d classes, artifact has %d", role, m.Classes, lin.Classes)
		}
		m.Scorer = lin
	case BackendRemote:
		if opts.NewRemote == nil {
			return nil, fmt.Errorf("%s: remote backend not available", role)
		}
		if spec.Endpoint == "" {
			return nil, fmt.Errorf("%s: remote backend requires endpoint", role)
		}
		if m.Classes < 1 {
			return nil, fmt.Errorf("%s: remote backend requires classes", role)
		}
		sc, err := opts.NewRemote(RemoteSpec{
			Name:     m.Name,
			Version:  m.Version,
			Endpoint: spec.Endpoint,
			Timeout:  spec.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", role, err)
		}
		m.Scorer = sc
	default:
		return nil, fmt.Errorf("%s: unknown backend %q", role, m.Backend)
	}

	shape, err := ShapeFor(m.Classes)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", role, err)
	}
	m.Shape = shape
	return m, nil
}

// loadSchema reads a schema document. JSON is accepted since it is valid YAML.
func loadSchema(path string) (*Schema, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	var s Schema
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", path, err)
	}
	return &s, nil
}

func loadLinear(path string) (*Linear, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	var l Linear
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil, fmt.Errorf("parse artifact %s: %w", path, err)
	}
	if err := l.Validate(); err != nil {
		return nil, fmt.Errorf("artifact %s: %w", path, err)
	}
	return &l, nil
}
