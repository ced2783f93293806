// Package profiles reads actor permission profiles from disk.
//
// Each actor has one file named <actor-id>.casap holding a JSON document:
//
//	{"permissions": [{"roomName": "kitchen", "nodes": ["light", "fan"]}]}
package profiles

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jmerrifield20/casa/internal/policy"
	"github.com/spf13/viper"
)

// Extension is the file extension of a profile file.
const Extension = ".casap"

// ReadFile parses one profile file. The actor id is the file name without
// its extension.
func ReadFile(path string) (policy.ProfileSpec, error) {
	actor := strings.TrimSuffix(filepath.Base(path), Extension)
	spec := policy.ProfileSpec{ActorID: actor}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return spec, fmt.Errorf("read profile %s: %w", path, err)
	}
	if !v.IsSet("permissions") {
		return spec, fmt.Errorf("profile %s: %w: missing permissions", path, policy.ErrInvalidProfile)
	}
	if err := v.UnmarshalKey("permissions", &spec.Grants); err != nil {
		return spec, fmt.Errorf("decode profile %s: %w", path, err)
	}
	return spec, nil
}

// LoadDir reads every *.casap file in dir, in name order. Files that fail to
// parse are reported in the joined error; the specs that parsed are still
// returned.
func LoadDir(dir string) ([]policy.ProfileSpec, error) {
	paths, err := profilePaths(dir)
	if err != nil {
		return nil, err
	}
	return readAll(paths)
}

func profilePaths(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read profile dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), Extension) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	paths := make([]string, len(names))
	for i, name := range names {
		paths[i] = filepath.Join(dir, name)
	}
	return paths, nil
}

func readAll(paths []string) ([]policy.ProfileSpec, error) {
	var (
		specs []policy.ProfileSpec
		errs  []error
	)
	for _, path := range paths {
		spec, err := ReadFile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		specs = append(specs, spec)
	}
	return specs, errors.Join(errs...)
}

// Install loads dir into store. It returns the number of profiles installed
// and the joined parse and validation errors.
func Install(store *policy.Store, dir string) (int, error) {
	specs, readErr := LoadDir(dir)
	loadErr := store.Load(specs)

	installed := 0
	for _, s := range specs {
		if policy.Validate(s) == nil {
			installed++
		}
	}
	return installed, errors.Join(readErr, loadErr)
}

// Reload replaces the profiles in store with the contents of dir. Actors
// whose file is gone, or no longer parses or validates, are revoked. If dir
// itself cannot be read the store is left untouched.
func Reload(store *policy.Store, dir string) (int, error) {
	paths, err := profilePaths(dir)
	if err != nil {
		return 0, err
	}
	specs, readErr := readAll(paths)
	loadErr := store.Replace(specs)
	return store.Len(), errors.Join(readErr, loadErr)
}
