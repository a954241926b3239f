package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Domain prefixes for derived keys. The version suffix leaves room to change
// a derivation without colliding with keys already stored.
const (
	DomainAction       = "errand/action/v1"
	DomainExecution    = "errand/execution/v1"
	DomainSpend        = "errand/spend/v1"
	DomainSource       = "errand/source/v1"
	DomainMission      = "errand/mission/v1"
	DomainMissionChild = "errand/mission-child/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

func hashObject(domain string, obj map[string]any) string {
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		// Only strings and ints reach here.
		panic(fmt.Sprintf("%s: canonical marshal: %v", domain, err))
	}
	return hashWithDomain(domain, canonical)
}

// ActionID is the stable identity of the work a step performs within a run.
func ActionID(runID, stepID string) string {
	return "act_" + hashObject(DomainAction, map[string]any{
		"run_id":  runID,
		"step_id": stepID,
	})[:32]
}

// ExecutionKey identifies one attempt at an action. The attempt salt is the
// run's retry count, so a scheduled retry is a new attempt while a
// duplicated tick of the same attempt collides with the stored execution.
func ExecutionKey(actionID string, attempt int) string {
	return hashObject(DomainExecution, map[string]any{
		"action_id": actionID,
		"attempt":   attempt,
	})
}

// SpendKey identifies the single ledger charge a step may make.
func SpendKey(runID, stepID string) string {
	return hashObject(DomainSpend, map[string]any{
		"run_id":  runID,
		"step_id": stepID,
	})
}

// NormalizeSource trims and NFC-normalizes a mission source reference.
func NormalizeSource(source string) string {
	return norm.NFC.String(strings.TrimSpace(source))
}

// ChildKey derives the mission child key for a source. Equal sources after
// normalization always map to the same key.
func ChildKey(source string) string {
	return "src_" + hashWithDomain(DomainSource, []byte(NormalizeSource(source)))[:16]
}

// MissionID derives a mission id from a caller-supplied request key.
func MissionID(requestKey string) string {
	return "msn_" + hashWithDomain(DomainMission, []byte(NormalizeSource(requestKey)))[:32]
}

// ChildRunKey is the run idempotency key for one mission child. Retrying a
// mission start reuses it, so fan-out never creates a second run per child.
func ChildRunKey(missionID, childKey string) string {
	return "mission:" + hashObject(DomainMissionChild, map[string]any{
		"mission_id": missionID,
		"child_key":  childKey,
	})
}
