package services

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
)

// Action is the closed set of side effects the condition engine can run
// when a context reaches a status. Unrecognized configuration values
// resolve to ActionNone at load time.
type Action int

const (
	ActionNone Action = iota
	ActionRouteToOutput
	ActionLogError
)

func (a Action) String() string {
	switch a {
	case ActionRouteToOutput:
		return "route_to_output"
	case ActionLogError:
		return "log_error"
	}
	return "none"
}

// StatusCondition is one resolved entry of the condition table.
type StatusCondition struct {
	Action      Action
	DeleteAfter time.Duration
}

// ConditionSet maps a context status to the side effect that runs after
// the status write commits.
type ConditionSet map[string]StatusCondition

// rawConditionFile mirrors the persisted JSON:
// {"status": {"completed": {"action": "route_to_output", "delete_after": 3600}}}
type rawConditionFile struct {
	Status map[string]rawCondition `json:"status"`
}

type rawCondition struct {
	Action      string `json:"action"`
	DeleteAfter int64  `json:"delete_after"`
}

// DefaultConditions is the compiled-in table used when no configuration
// document is present.
func DefaultConditions() ConditionSet {
	return ConditionSet{
		"completed": {Action: ActionRouteToOutput},
		"failed":    {Action: ActionLogError},
	}
}

// LoadConditions reads and resolves the condition table from a JSON file.
// A missing file yields the defaults; unknown action names resolve to a
// no-op with a warning so one bad entry cannot poison the table.
func LoadConditions(path string, logger *zap.Logger) (ConditionSet, error) {
	if path == "" {
		return DefaultConditions(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Info("condition config absent, using defaults", zap.String("path", path))
			return DefaultConditions(), nil
		}
		return nil, fmt.Errorf("read condition config: %w", err)
	}

	var raw rawConditionFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse condition config %s: %w", path, err)
	}

	set := make(ConditionSet, len(raw.Status))
	for status, rc := range raw.Status {
		cond := StatusCondition{DeleteAfter: time.Duration(rc.DeleteAfter) * time.Second}
		switch rc.Action {
		case "route_to_output":
			cond.Action = ActionRouteToOutput
		case "log_error":
			cond.Action = ActionLogError
		case "", "none":
			cond.Action = ActionNone
		default:
			logger.Warn("unknown condition action, treating as no-op",
				zap.String("status", status), zap.String("action", rc.Action))
			cond.Action = ActionNone
		}
		set[status] = cond
	}
	return set, nil
}
