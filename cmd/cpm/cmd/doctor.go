package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cpm-dev/cpm/internal/config"
)

// doctorCheck is one diagnostic result, mirroring the check/status/detail
// shape cpm's other structured-output commands already use.
type doctorCheck struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
}

func newDoctorCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check that cpm can read its config and write to its cache root",
		Long: `Run diagnostics to ensure cpm can operate correctly:

  - CPM_ROOT is writable
  - cpm.yml/cpm.yaml config, if present, parses
  - an embedding endpoint is configured for build/query/plan

Use --json for machine-readable output.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runDoctor(jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func runDoctor(jsonOutput bool) error {
	var checks []doctorCheck

	root := config.ResolveRoot(".")
	checks = append(checks, checkRootWritable(root))

	cfg, err := config.Load(".")
	if err != nil {
		checks = append(checks, doctorCheck{Name: "config", OK: false, Detail: err.Error()})
		cfg = config.NewConfig()
	} else {
		checks = append(checks, doctorCheck{Name: "config", OK: true, Detail: "loaded"})
	}

	if cfg.Retrieval.EmbeddingURL == "" {
		checks = append(checks, doctorCheck{Name: "embedding_url", OK: false,
			Detail: "not configured; build/query/plan require --embedding-url or retrieval.embedding_url"})
	} else {
		checks = append(checks, doctorCheck{Name: "embedding_url", OK: true, Detail: cfg.Retrieval.EmbeddingURL})
	}

	ok := true
	for _, c := range checks {
		if !c.OK {
			ok = false
		}
	}

	if jsonOutput {
		data, err := json.MarshalIndent(struct {
			OK     bool          `json:"ok"`
			Checks []doctorCheck `json:"checks"`
		}{OK: ok, Checks: checks}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	} else {
		for _, c := range checks {
			status := "ok"
			if !c.OK {
				status = "FAIL"
			}
			fmt.Printf("[%s] %s: %s\n", status, c.Name, c.Detail)
		}
	}

	if !ok {
		return fmt.Errorf("one or more checks failed")
	}
	return nil
}

func checkRootWritable(root string) doctorCheck {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return doctorCheck{Name: "cpm_root", OK: false, Detail: fmt.Sprintf("cannot create %s: %v", root, err)}
	}
	probe := filepath.Join(root, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return doctorCheck{Name: "cpm_root", OK: false, Detail: fmt.Sprintf("cannot write to %s: %v", root, err)}
	}
	_ = os.Remove(probe)
	return doctorCheck{Name: "cpm_root", OK: true, Detail: root}
}
