package messagequeue

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Validate checks whether data is valid JSON conforming to the schema
// associated with the given subject. Unknown subjects pass validation.
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}

	switch subject {
	case SubjectTaskProgress:
		var p TaskProgressPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		return requireTaskID(subject, p.TaskID)
	case SubjectTaskStatus:
		var p TaskStatusPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		if p.Status == "" {
			return fmt.Errorf("schema validation failed for %s: status is required", subject)
		}
		return requireTaskID(subject, p.TaskID)
	case SubjectTaskCancel:
		var p TaskCancelPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		return requireTaskID(subject, p.TaskID)
	default:
		return nil
	}
}

var errMissingTaskID = errors.New("task_id is required")

func requireTaskID(subject, id string) error {
	if id == "" {
		return fmt.Errorf("schema validation failed for %s: %w", subject, errMissingTaskID)
	}
	return nil
}
