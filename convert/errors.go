package convert

import "fmt"

// ConfigResolutionError is returned when neither the checkpoint contents nor an
// explicit config reference are enough to determine which architecture variant
// the checkpoint belongs to.
type ConfigResolutionError struct {
	Reason string
}

func (e *ConfigResolutionError) Error() string {
	return fmt.Sprintf("could not resolve model config: %s", e.Reason)
}

// InvalidArchitectureConfig is returned when a structural config document is
// missing or malformed. Field names the offending entry.
type InvalidArchitectureConfig struct {
	Field  string
	Reason string
}

func (e *InvalidArchitectureConfig) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid architecture config: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid architecture config: missing %s", e.Field)
}

// IncompleteStateMapping is returned when remapping or loading leaves a
// required target key without a source value. A partially initialized model is
// unsafe to run, so this always aborts the whole request.
type IncompleteStateMapping struct {
	Submodel string
	Key      string
}

func (e *IncompleteStateMapping) Error() string {
	return fmt.Sprintf("incomplete state mapping for %s: missing %q", e.Submodel, e.Key)
}

// UnsupportedTextEncoderFamily is returned when the structural config declares
// a conditioning encoder class that is not one of the two known families.
type UnsupportedTextEncoderFamily struct {
	Target string
}

func (e *UnsupportedTextEncoderFamily) Error() string {
	return fmt.Sprintf("unsupported text encoder family: %q", e.Target)
}
