package config

import (
	"path/filepath"

	homedir "github.com/mitchellh/go-homedir"

	"github.com/sidkik/dirmirror/pkg/errors"
	"github.com/sidkik/dirmirror/pkg/sync"
)

const (
	// DefaultRegistryPath is the default location of the sync registry.
	DefaultRegistryPath = "~/.dirmirror.yaml"

	// InitialRegistryVersion is the first version of the registry format.
	// Registries that do not specify a version default to this version.
	InitialRegistryVersion = "v1alpha1"

	// SupportedRegistryVersion is the registry version understood by this
	// binary.
	SupportedRegistryVersion = "v1alpha1"
)

// Registry is the persisted list of sync targets.
type Registry struct {
	Version string         `json:"version,omitempty"`
	Targets []TargetConfig `json:"targets"`
}

// TargetConfig is the persisted form of a sync.Target.
type TargetConfig struct {
	Source          string   `json:"source"`
	Destination     string   `json:"destination"`
	ExcludePatterns []string `json:"excludePatterns,omitempty"`
}

func (r Registry) getVersion() string {
	return r.Version
}

// homedirExpand will be overridden in mock tests
var homedirExpand = homedir.Expand

// ParseRegistry parses the registry at `path`. Home directories in the target
// roots are expanded, and relative roots are resolved relative to the
// directory containing the registry. Targets aren't validated: use
// SyncTargets for that.
func ParseRegistry(path string) (Registry, error) {
	path, err := homedirExpand(path)
	if err != nil {
		return Registry{}, errors.WithContext(err, "expand registry path")
	}

	registry := Registry{Version: InitialRegistryVersion}
	if err := parseConfig(path, &registry, SupportedRegistryVersion); err != nil {
		if _, ok := err.(errors.FileNotFound); ok {
			return Registry{}, err
		}
		return Registry{}, errors.WithContext(err, "parse")
	}

	for i, target := range registry.Targets {
		if registry.Targets[i].Source, err = resolvePath(path, target.Source); err != nil {
			return Registry{}, errors.WithContext(err, "expand source")
		}
		if registry.Targets[i].Destination, err = resolvePath(path, target.Destination); err != nil {
			return Registry{}, errors.WithContext(err, "expand destination")
		}
	}
	return registry, nil
}

// LoadOrInitRegistry parses the registry at `path`, and creates an empty one
// if it doesn't exist yet.
func LoadOrInitRegistry(path string) (Registry, error) {
	registry, err := ParseRegistry(path)
	if _, ok := err.(errors.FileNotFound); !ok {
		return registry, err
	}

	registry = Registry{Version: SupportedRegistryVersion}
	if err := WriteRegistry(path, registry); err != nil {
		return Registry{}, errors.WithContext(err, "create registry")
	}
	return registry, nil
}

// WriteRegistry writes the registry to `path`.
func WriteRegistry(path string, registry Registry) error {
	path, err := homedirExpand(path)
	if err != nil {
		return errors.WithContext(err, "expand registry path")
	}

	registry.Version = SupportedRegistryVersion
	return writeConfig(path, registry)
}

// Target validates the target configuration and converts it.
func (tc TargetConfig) Target() (sync.Target, error) {
	return sync.NewTarget(tc.Source, tc.Destination, tc.ExcludePatterns)
}

// SyncTargets returns the valid targets in the registry. Invalid targets are
// skipped, and their errors are returned keyed by their index in the
// registry.
func (r Registry) SyncTargets() (targets []sync.Target, invalid map[int]error) {
	invalid = map[int]error{}
	for i, tc := range r.Targets {
		target, err := tc.Target()
		if err != nil {
			invalid[i] = err
			continue
		}
		targets = append(targets, target)
	}
	return targets, invalid
}

// Add appends a target after validating it.
func (r *Registry) Add(tc TargetConfig) error {
	if _, err := tc.Target(); err != nil {
		return err
	}
	r.Targets = append(r.Targets, tc)
	return nil
}

// Replace overwrites the target at index `i` after validating the
// replacement.
func (r *Registry) Replace(i int, tc TargetConfig) error {
	if err := r.checkIndex(i); err != nil {
		return err
	}
	if _, err := tc.Target(); err != nil {
		return err
	}
	r.Targets[i] = tc
	return nil
}

// Remove deletes the target at index `i`.
func (r *Registry) Remove(i int) error {
	if err := r.checkIndex(i); err != nil {
		return err
	}
	r.Targets = append(r.Targets[:i], r.Targets[i+1:]...)
	return nil
}

func (r Registry) checkIndex(i int) error {
	if i < 0 || i >= len(r.Targets) {
		return errors.NewFriendlyError("There is no target at index %d. "+
			"The registry has %d targets.", i, len(r.Targets))
	}
	return nil
}

func resolvePath(registryPath, path string) (string, error) {
	if path == "" {
		return "", nil
	}

	expanded, err := homedirExpand(path)
	if err != nil {
		return "", err
	}

	// Evaluate relative paths relative to the registry path.
	if !filepath.IsAbs(expanded) {
		expanded = filepath.Join(filepath.Dir(registryPath), expanded)
	}
	return filepath.Clean(expanded), nil
}
