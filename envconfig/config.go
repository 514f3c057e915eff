package envconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

var (
	// Set via DIFFUSEKIT_DEBUG in the environment
	Debug bool
	// Set via DIFFUSEKIT_MODELS in the environment
	ModelsDir string
	// Set via DIFFUSEKIT_TMPDIR in the environment
	TmpDir string
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"DIFFUSEKIT_DEBUG":  {"DIFFUSEKIT_DEBUG", Debug, "Show additional debug information (e.g. DIFFUSEKIT_DEBUG=1)"},
		"DIFFUSEKIT_MODELS": {"DIFFUSEKIT_MODELS", ModelsDir, "The path to the converted models directory"},
		"DIFFUSEKIT_TMPDIR": {"DIFFUSEKIT_TMPDIR", TmpDir, "Location for temporary files"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

func init() {
	LoadConfig()
}

func LoadConfig() {
	if debug := clean("DIFFUSEKIT_DEBUG"); debug != "" {
		d, err := strconv.ParseBool(debug)
		if err == nil {
			Debug = d
		} else {
			Debug = true
		}
	}

	if dir := clean("DIFFUSEKIT_MODELS"); dir != "" {
		ModelsDir = dir
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			ModelsDir = filepath.Join(home, ".diffusekit", "models")
		}
	}

	TmpDir = clean("DIFFUSEKIT_TMPDIR")
}
