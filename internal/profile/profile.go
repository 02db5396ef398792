// Package profile reads and writes flow configurations as YAML so
// operators can share a setup.
package profile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/alexjbarnes/oauth2-tester/internal/flow"
	"gopkg.in/yaml.v3"
)

// Version is the current profile format version.
const Version = 1

// Profile is the on-disk document.
type Profile struct {
	Version       int                `yaml:"version"`
	Configuration flow.Configuration `yaml:"configuration"`
}

// Export writes cfg as YAML. The client secret is omitted unless
// includeSecret is set.
func Export(w io.Writer, cfg flow.Configuration, includeSecret bool) error {
	out := cfg.Clone()
	if !includeSecret {
		out.ClientSecret = ""
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)

	if err := enc.Encode(Profile{Version: Version, Configuration: out}); err != nil {
		return fmt.Errorf("encoding profile: %w", err)
	}

	return enc.Close()
}

// Import reads a YAML profile. The grant type is validated and the
// configuration normalized with redirectURI as the default redirect.
func Import(r io.Reader, redirectURI string) (flow.Configuration, error) {
	var p Profile

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return flow.Configuration{}, fmt.Errorf("decoding profile: empty document")
		}

		return flow.Configuration{}, fmt.Errorf("decoding profile: %w", err)
	}

	if p.Version != Version {
		return flow.Configuration{}, fmt.Errorf("unsupported profile version %d, want %d", p.Version, Version)
	}

	cfg := p.Configuration
	if cfg.GrantType != "" && !cfg.GrantType.Valid() {
		return flow.Configuration{}, &flow.ConfigurationError{Fields: []string{"grant_type"}}
	}

	return cfg.Normalize(redirectURI), nil
}

// ExportFile writes the profile to path with owner-only permissions.
func ExportFile(path string, cfg flow.Configuration, includeSecret bool) error {
	var buf bytes.Buffer
	if err := Export(&buf, cfg, includeSecret); err != nil {
		return err
	}

	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("writing profile: %w", err)
	}

	return nil
}

// ImportFile reads the profile at path.
func ImportFile(path, redirectURI string) (flow.Configuration, error) {
	f, err := os.Open(path)
	if err != nil {
		return flow.Configuration{}, fmt.Errorf("opening profile: %w", err)
	}
	defer f.Close()

	return Import(f, redirectURI)
}
