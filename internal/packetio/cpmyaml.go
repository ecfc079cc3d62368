package packetio

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cpm-dev/cpm/internal/cas"
)

// WriteCPMYAML writes the flat key-value cpm.yml sidecar, per spec §4.1
// phase 6's required key list.
func WriteCPMYAML(path string, y CPMYAML) error {
	data, err := yaml.Marshal(y)
	if err != nil {
		return fmt.Errorf("failed to marshal cpm.yml: %w", err)
	}
	return cas.WriteFileAtomic(path, data, 0o644)
}

// ReadCPMYAML reads cpm.yml back.
func ReadCPMYAML(path string) (CPMYAML, error) {
	var y CPMYAML
	data, err := os.ReadFile(path)
	if err != nil {
		return y, err
	}
	if err := yaml.Unmarshal(data, &y); err != nil {
		return y, fmt.Errorf("malformed cpm.yml: %w", err)
	}
	return y, nil
}

// JoinCSV joins values with commas for the tags/entrypoints cpm.yml fields.
func JoinCSV(values []string) string {
	return strings.Join(values, ",")
}

// SplitCSV splits a cpm.yml CSV field back into values, skipping blanks.
func SplitCSV(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// RFC3339Now formats t (a caller-supplied clock value, per spec §4.1
// "Determinism requirements": created_at is sourced from a caller-controlled
// clock interface) as the UTC RFC3339 timestamp cpm.yml/manifest expect.
func RFC3339Now(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
