package registry

import "fmt"

// ConfigError means the catalog or overrides are malformed; the registry is
// unusable and startup should abort.
type ConfigError struct {
	Detail string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("registry: %s: %v", e.Detail, e.Err)
	}
	return "registry: " + e.Detail
}

func (e *ConfigError) Unwrap() error { return e.Err }

// IOError means the catalog source could not be read or fetched.
type IOError struct {
	Source string
	Err    error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("registry: read %s: %v", e.Source, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }
