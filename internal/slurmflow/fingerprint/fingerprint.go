// Package fingerprint derives stable identities for job requests.
//
// A fingerprint is the memoization key that decides whether two requests are "the same job",
// so it must be identical for identical requests across processes and restarts.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/G-Research/slurmflow/internal/slurmflow/model"
)

const version = 1

type envVar struct {
	Name  string `json:"n"`
	Value string `json:"v"`
}

// canonicalRequest fixes field order and representation. Maps become sorted lists so that
// encoding never depends on iteration order.
type canonicalRequest struct {
	Version          int      `json:"version"`
	Command          string   `json:"command"`
	TimeLimitSeconds int64    `json:"time_limit_seconds"`
	Memory           string   `json:"memory"`
	Partition        string   `json:"partition"`
	Environment      []envVar `json:"environment"`
	WorkingDirectory string   `json:"working_directory"`
	InputFileHashes  []string `json:"input_file_hashes"`
}

// Fingerprint returns a sha256 digest over every outcome-affecting field of req.
// Name and Owner are deliberately excluded.
func Fingerprint(req model.JobRequest) model.JobFingerprint {
	keys := maps.Keys(req.Resources.Environment)
	slices.Sort(keys)
	env := make([]envVar, 0, len(keys))
	for _, k := range keys {
		env = append(env, envVar{Name: k, Value: req.Resources.Environment[k]})
	}
	workingDirectory := req.WorkingDirectory
	if workingDirectory != "" {
		workingDirectory = filepath.Clean(workingDirectory)
	}
	hashes := req.InputFileHashes
	if hashes == nil {
		hashes = []string{}
	}
	canonical := canonicalRequest{
		Version:          version,
		Command:          req.Command,
		TimeLimitSeconds: int64(req.Resources.TimeLimit.Seconds()),
		Memory:           req.Resources.Memory,
		Partition:        req.Resources.Partition,
		Environment:      env,
		WorkingDirectory: workingDirectory,
		InputFileHashes:  hashes,
	}
	// Marshalling a struct of strings, ints and slices thereof cannot fail.
	payload, _ := json.Marshal(canonical)
	digest := sha256.Sum256(payload)
	return model.JobFingerprint(hex.EncodeToString(digest[:]))
}

// MemoKey is the substrate cache key under which a run remembers the job it submitted for a fingerprint.
func MemoKey(runId string, fp model.JobFingerprint) string {
	return fmt.Sprintf("slurm-submission-%s-%s", runId, fp)
}
