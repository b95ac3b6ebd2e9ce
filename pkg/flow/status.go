package flow

import (
	"fmt"
	"strings"
)

// NormalizeStatus folds legacy and terminal synonyms onto the two actionable
// states. It is applied once, when flows are ingested from the backend.
func NormalizeStatus(s Status) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(string(s)))) {
	case StatusApply, StatusApplied, StatusModerationApproved:
		return StatusApply, nil
	case StatusRemove, StatusRemoved, StatusRemovedModerationApproved:
		return StatusRemove, nil
	case "":
		return "", fmt.Errorf("flow without status")
	}
	return "", fmt.Errorf("invalid flow status: %q", s)
}

// IndexByID maps flows by id. Later duplicates overwrite earlier ones.
func IndexByID(flows []*Flow) map[string]*Flow {
	m := make(map[string]*Flow, len(flows))
	for _, f := range flows {
		m[f.ID] = f
	}
	return m
}
