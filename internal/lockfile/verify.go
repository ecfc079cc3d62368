package lockfile

import (
	"reflect"

	"github.com/cpm-dev/cpm/internal/packetio"
)

// VerifyReport is the structured result of a three-tier verify call. It
// never panics or errors for a mismatch — callers decide whether a mismatch
// is fatal (spec §4.3.3: "verify returns a structured report").
type VerifyReport struct {
	PlanMatch        bool
	PlanDiff         []string
	ArtifactMatch    bool
	ArtifactMismatch []string
	FrozenOK         bool
	FrozenViolations []string
}

// OK reports whether every requested tier passed.
func (r VerifyReport) OK() bool {
	return r.PlanMatch && r.ArtifactMatch && r.FrozenOK
}

// Verify runs all three tiers against lf. freshPlan is the plan recomputed
// from the current source tree/config; packetDir is where the built
// artifacts live; frozen requests the third tier.
func Verify(lf Lockfile, freshPlan ResolvedPlan, packetDir string, frozen bool) (VerifyReport, error) {
	report := VerifyReport{}

	report.PlanDiff = diffPlan(lf, freshPlan)
	report.PlanMatch = len(report.PlanDiff) == 0

	artifacts, err := ArtifactsForPacketDir(packetDir)
	if err != nil {
		return report, err
	}
	report.ArtifactMismatch = diffArtifacts(lf.Artifacts, artifacts)
	report.ArtifactMatch = len(report.ArtifactMismatch) == 0

	if frozen {
		report.FrozenViolations = frozenViolations(lf)
		report.FrozenOK = len(report.FrozenViolations) == 0
	} else {
		report.FrozenOK = true
	}

	return report, nil
}

func diffPlan(lf Lockfile, fresh ResolvedPlan) []string {
	var diffs []string
	if !reflect.DeepEqual(lf.Packet, fresh.Packet) {
		diffs = append(diffs, "packet")
	}
	if !reflect.DeepEqual(lf.Inputs, fresh.Inputs) {
		diffs = append(diffs, "inputs")
	}
	if !pipelineEqual(lf.Pipeline, fresh.Pipeline) {
		diffs = append(diffs, "pipeline")
	}
	if !modelsEqual(lf.Models, fresh.Models) {
		diffs = append(diffs, "models")
	}
	return diffs
}

func pipelineEqual(a, b []PipelineStep) bool {
	canon := func(steps []PipelineStep) []byte {
		b, _ := packetio.CanonicalJSON(steps)
		return b
	}
	return string(canon(a)) == string(canon(b))
}

func modelsEqual(a, b []ModelSpec) bool {
	canon := func(models []ModelSpec) []byte {
		b, _ := packetio.CanonicalJSON(models)
		return b
	}
	return string(canon(a)) == string(canon(b))
}

func diffArtifacts(recorded, actual Artifacts) []string {
	var mismatches []string
	if recorded.ChunksManifestHash != actual.ChunksManifestHash {
		mismatches = append(mismatches, "docs.jsonl")
	}
	if recorded.EmbeddingsHash != actual.EmbeddingsHash {
		mismatches = append(mismatches, "vectors.f16.bin")
	}
	if recorded.IndexHash != actual.IndexHash {
		mismatches = append(mismatches, "faiss/index.faiss")
	}
	if recorded.PacketManifestHash != actual.PacketManifestHash {
		mismatches = append(mismatches, "manifest.json")
	}
	return mismatches
}

func frozenViolations(lf Lockfile) []string {
	var violations []string
	for _, step := range lf.Pipeline {
		if step.NonDeterministic {
			violations = append(violations, "pipeline:"+step.Step)
		}
	}
	for _, m := range lf.Models {
		if m.NonDeterministic {
			violations = append(violations, "model:"+m.Model)
		}
	}
	return violations
}
