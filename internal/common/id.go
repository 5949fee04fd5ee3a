// -----------------------------------------------------------------------
// Deterministic identifiers - idempotent submission and task creation
// -----------------------------------------------------------------------

package common

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// JobID derives a deterministic job ID from the job type and normalized
// parameters. Submitting identical parameters twice yields the same ID, so
// the create path can treat resubmission as a no-op.
// Format: job_<32 hex chars>
func JobID(jobType string, params map[string]interface{}) string {
	h := sha256.New()
	h.Write([]byte(jobType))
	h.Write([]byte{0})
	h.Write(canonicalJSON(params))
	return "job_" + hex.EncodeToString(h.Sum(nil))[:32]
}

// TaskID derives a deterministic task ID from the parent job, stage, and a
// semantic key (file name, ordinal, etc.). Retried creation or enqueue
// attempts for the same work map onto the same row.
// Format: task_<32 hex chars>
func TaskID(jobID string, stage int, key string) string {
	h := sha256.New()
	h.Write([]byte(fmt.Sprintf("%s|%d|%s", jobID, stage, key)))
	return "task_" + hex.EncodeToString(h.Sum(nil))[:32]
}

// canonicalJSON serializes parameters with stable ordering. encoding/json
// sorts map keys at every nesting level, which is all the normalization the
// ID needs.
func canonicalJSON(params map[string]interface{}) []byte {
	if len(params) == 0 {
		return []byte("{}")
	}
	data, err := json.Marshal(params)
	if err != nil {
		// Unmarshalable parameters are rejected earlier by submission
		// validation; fall back to an empty object rather than panic.
		return []byte("{}")
	}
	return data
}
