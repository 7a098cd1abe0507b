// Package env builds the environment given to the processes a run executes.
package env

import (
	"fmt"
	"maps"
	"os"
	"regexp"
	"slices"
	"strings"
)

var keyRegexp = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Env is a set of environment variables by key.
type Env map[string]string

// Parse builds an environment from `KEY=VALUE` specs. A bare `KEY` inherits
// its value from the current process, later specs win over earlier ones.
func Parse(specs ...string) (Env, error) {
	e := make(Env, len(specs))
	for _, spec := range specs {
		if err := e.Set(spec); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Set adds a single spec to the environment.
func (e Env) Set(spec string) error {
	if spec == "" {
		return fmt.Errorf("environment variable spec cannot be empty")
	}

	key, value, ok := strings.Cut(spec, "=")
	if !keyRegexp.MatchString(key) {
		return fmt.Errorf("invalid environment variable key %q", key)
	}
	if !ok {
		value, ok = os.LookupEnv(key)
		if !ok {
			return fmt.Errorf("environment variable %q is not set", key)
		}
	}

	e[key] = value
	return nil
}

// List returns the `KEY=VALUE` entries sorted by key, the form process
// collaborators take.
func (e Env) List() []string {
	list := make([]string, 0, len(e))
	for _, k := range slices.Sorted(maps.Keys(e)) {
		list = append(list, k+"="+e[k])
	}
	return list
}
