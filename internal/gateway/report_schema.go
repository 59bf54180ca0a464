package gateway

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/go-conductor/internal/persistence"
)

// reportSchemaJSON constrains worker reports before anything reaches the
// scheduler. Unknown fields are rejected so that a misversioned worker fails
// loudly instead of silently dropping data.
const reportSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["worker_id", "worker_attempt_id", "outcome"],
  "additionalProperties": false,
  "properties": {
    "worker_id":         {"type": "string", "minLength": 1},
    "worker_attempt_id": {"type": "string", "minLength": 1},
    "outcome":           {"type": "string", "enum": ["started", "completed", "failed", "blocked"]},
    "payload":           {"type": "string"},
    "failure_signature": {"type": "string"},
    "reason":            {"type": "string"}
  }
}`

var reportSchema = mustCompileReportSchema()

func mustCompileReportSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(reportSchemaJSON))
	if err != nil {
		panic("report schema: " + err.Error())
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("report.json", doc); err != nil {
		panic("report schema: " + err.Error())
	}
	schema, err := compiler.Compile("report.json")
	if err != nil {
		panic("report schema: " + err.Error())
	}
	return schema
}

type taskReport struct {
	WorkerID         string `json:"worker_id"`
	WorkerAttemptID  string `json:"worker_attempt_id"`
	Outcome          string `json:"outcome"`
	Payload          string `json:"payload"`
	FailureSignature string `json:"failure_signature"`
	Reason           string `json:"reason"`
}

// handleTaskReport validates and applies one worker report. Completion and
// failure reports are idempotent per (task, attempt); redelivery returns the
// same 200.
func (s *Server) handleTaskReport(w http.ResponseWriter, r *http.Request, taskID string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := reportSchema.Validate(parsed); err != nil {
		writeError(w, http.StatusBadRequest, "invalid report: "+err.Error())
		return
	}
	var report taskReport
	if err := json.Unmarshal(body, &report); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ctx := r.Context()
	switch report.Outcome {
	case "started":
		if err := s.cfg.Scheduler.StartTask(ctx, taskID, report.WorkerID); err != nil {
			writeError(w, errorStatus(err), err.Error())
			return
		}
	case "blocked":
		reason := report.Reason
		if reason == "" {
			reason = "worker reported blocked"
		}
		if err := s.cfg.Scheduler.BlockTask(ctx, taskID, reason); err != nil {
			writeError(w, errorStatus(err), err.Error())
			return
		}
	case persistence.OutcomeCompleted, persistence.OutcomeFailed:
		if err := s.cfg.Scheduler.ReportCompletion(ctx, taskID, report.WorkerAttemptID,
			report.Outcome, report.Payload, report.FailureSignature); err != nil {
			writeError(w, errorStatus(err), err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id": taskID,
		"applied": true,
	})
}
