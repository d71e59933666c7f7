package target

import (
	"os"

	"github.com/xyproto/env/v2"
	"gopkg.in/yaml.v3"
	"tlog.app/go/errors"
)

// EnvTarget names the environment variable holding a layout file path
const EnvTarget = "PDCPU_TARGET"

// ParseLayout decodes a YAML layout. Windows missing from the document
// keep their default ranges.
func ParseLayout(data []byte) (*Layout, error) {
	l := Default()
	if err := yaml.Unmarshal(data, l); err != nil {
		return nil, errors.Wrap(err, "decode layout")
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return l, nil
}

// LoadLayout reads a YAML layout file
func LoadLayout(path string) (*Layout, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read layout")
	}
	l, err := ParseLayout(data)
	if err != nil {
		return nil, errors.Wrap(err, "%s", path)
	}
	return l, nil
}

// FromEnv loads the layout named by $PDCPU_TARGET, or the default layout
// when the variable is unset.
func FromEnv() (*Layout, error) {
	path := env.Str(EnvTarget)
	if path == "" {
		return Default(), nil
	}
	return LoadLayout(path)
}
