package toolset

import (
	"github.com/quietloop/projectbridge/internal/rpcerr"
	"github.com/quietloop/projectbridge/internal/validation"
)

// MaxUploadBytes is the decoded size ceiling for uploadReviewSheet's
// contentBase64 parameter. Transports that carry a JSON-RPC request body
// size this parameter through must accommodate at least its base64-encoded
// form, or the ceiling is unreachable no matter what this validator allows.
const MaxUploadBytes = 1 << 30 // 1 GiB, per the upload tool's declared bound

func requireString(params map[string]any, field string) (string, error) {
	v, ok := params[field]
	if !ok {
		return "", rpcerr.InvalidParam(field, "missing required field %q", field)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", rpcerr.InvalidParam(field, "field %q must be a non-empty string", field)
	}
	return s, nil
}

func optionalString(params map[string]any, field string) (string, bool) {
	v, ok := params[field]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

func validateListTasks(params map[string]any) error {
	if _, err := requireString(params, "projectId"); err != nil {
		return err
	}
	if status, ok := optionalString(params, "status"); ok {
		if err := validation.ValidateEnum(status, "open", "closed", "overdue"); err != nil {
			return rpcerr.InvalidParam("status", "%s", err)
		}
	}
	return nil
}

func validateCreateTask(params map[string]any) error {
	if _, err := requireString(params, "projectId"); err != nil {
		return err
	}
	if _, err := requireString(params, "name"); err != nil {
		return err
	}
	if owner, ok := optionalString(params, "owner"); ok {
		if err := validation.ValidateEmail(owner); err != nil {
			return rpcerr.InvalidParam("owner", "%s", err)
		}
	}
	if due, ok := optionalString(params, "dueDate"); ok {
		if err := validation.ValidateDate(due); err != nil {
			return rpcerr.InvalidParam("dueDate", "%s", err)
		}
	}
	return nil
}

func validateUpdateTask(params map[string]any) error {
	if _, err := requireString(params, "taskId"); err != nil {
		return err
	}
	status, hasStatus := optionalString(params, "status")
	due, hasDue := optionalString(params, "dueDate")
	owner, hasOwner := optionalString(params, "owner")
	if !hasStatus && !hasDue && !hasOwner {
		return rpcerr.InvalidParam("status", "at least one of status, dueDate, owner must be provided")
	}
	if hasStatus {
		if err := validation.ValidateEnum(status, "open", "closed", "overdue"); err != nil {
			return rpcerr.InvalidParam("status", "%s", err)
		}
	}
	if hasDue {
		if err := validation.ValidateDate(due); err != nil {
			return rpcerr.InvalidParam("dueDate", "%s", err)
		}
	}
	if hasOwner {
		if err := validation.ValidateEmail(owner); err != nil {
			return rpcerr.InvalidParam("owner", "%s", err)
		}
	}
	return nil
}

func validateGetTaskDetail(params map[string]any) error {
	_, err := requireString(params, "taskId")
	return err
}

func validateGetProjectSummary(params map[string]any) error {
	if _, err := requireString(params, "projectId"); err != nil {
		return err
	}
	if period, ok := optionalString(params, "period"); ok {
		if err := validation.ValidateEnum(period, "week", "month"); err != nil {
			return rpcerr.InvalidParam("period", "%s", err)
		}
	}
	return nil
}

func validateDownloadFile(params map[string]any) error {
	_, err := requireString(params, "fileId")
	return err
}

func validateUploadReviewSheet(params map[string]any) error {
	if _, err := requireString(params, "projectId"); err != nil {
		return err
	}
	if _, err := requireString(params, "folderId"); err != nil {
		return err
	}
	name, err := requireString(params, "name")
	if err != nil {
		return err
	}
	if err := validation.ValidateUploadName(name); err != nil {
		return rpcerr.InvalidParam("name", "%s", err)
	}
	content, err := requireString(params, "contentBase64")
	if err != nil {
		return err
	}
	if err := validation.ValidateBase64Size(content, MaxUploadBytes); err != nil {
		return rpcerr.InvalidParam("contentBase64", "%s", err)
	}
	return nil
}

func validateSearchFiles(params map[string]any) error {
	_, err := requireString(params, "query")
	return err
}
