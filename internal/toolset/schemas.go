package toolset

import "github.com/google/jsonschema-go/jsonschema"

// Hand-authored schemas for every tool in the catalog. These are declared
// literally rather than generated by reflection, so a tool's advertised
// shape and its Go parameter handling can never drift from one another
// silently — each validator in validator.go checks exactly what its schema
// promises.

func stringProp(desc string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string", Description: desc}
}

func enumProp(desc string, values ...string) *jsonschema.Schema {
	anyValues := make([]any, len(values))
	for i, v := range values {
		anyValues[i] = v
	}
	return &jsonschema.Schema{Type: "string", Description: desc, Enum: anyValues}
}

var listTasksSchema = &jsonschema.Schema{
	Type: "object",
	Properties: map[string]*jsonschema.Schema{
		"projectId": stringProp("Identifier of the project to list tasks for."),
		"status":    enumProp("Optional status filter.", "open", "closed", "overdue"),
	},
	Required: []string{"projectId"},
}

var createTaskSchema = &jsonschema.Schema{
	Type: "object",
	Properties: map[string]*jsonschema.Schema{
		"projectId": stringProp("Identifier of the project to create the task in."),
		"name":      stringProp("Task name."),
		"owner":     stringProp("Owner email address."),
		"dueDate":   stringProp("Due date, YYYY-MM-DD."),
	},
	Required: []string{"projectId", "name"},
}

var updateTaskSchema = &jsonschema.Schema{
	Type: "object",
	Properties: map[string]*jsonschema.Schema{
		"taskId":  stringProp("Task identifier to update."),
		"status":  enumProp("New status.", "open", "closed", "overdue"),
		"dueDate": stringProp("New due date, YYYY-MM-DD."),
		"owner":   stringProp("New owner email address."),
	},
	Required: []string{"taskId"},
}

var getTaskDetailSchema = &jsonschema.Schema{
	Type: "object",
	Properties: map[string]*jsonschema.Schema{
		"taskId": stringProp("Task identifier to retrieve."),
	},
	Required: []string{"taskId"},
}

var getProjectSummarySchema = &jsonschema.Schema{
	Type: "object",
	Properties: map[string]*jsonschema.Schema{
		"projectId": stringProp("Project identifier to summarize."),
		"period":    enumProp("Optional reporting period.", "week", "month"),
	},
	Required: []string{"projectId"},
}

var downloadFileSchema = &jsonschema.Schema{
	Type: "object",
	Properties: map[string]*jsonschema.Schema{
		"fileId": stringProp("File-storage file identifier."),
	},
	Required: []string{"fileId"},
}

var uploadReviewSheetSchema = &jsonschema.Schema{
	Type: "object",
	Properties: map[string]*jsonschema.Schema{
		"projectId":      stringProp("Project identifier the sheet belongs to."),
		"folderId":       stringProp("Destination folder identifier."),
		"name":           stringProp("File name to store the sheet under."),
		"contentBase64":  stringProp("Base64-encoded file content, at most 1 GiB decoded."),
		"idempotencyKey": stringProp("Caller-supplied key suppressing duplicate uploads on retry."),
	},
	Required: []string{"projectId", "folderId", "name", "contentBase64"},
}

var searchFilesSchema = &jsonschema.Schema{
	Type: "object",
	Properties: map[string]*jsonschema.Schema{
		"query":    stringProp("Search query."),
		"folderId": stringProp("Optional folder identifier to scope the search."),
	},
	Required: []string{"query"},
}
