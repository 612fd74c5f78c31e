package model

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// Normalize converts one wire-format job row into a Job. It never fails:
// missing or unreadable fields become nil, a missing status becomes
// StatusUnknown and an unreadable identifier becomes "". Callers must drop
// rows whose ID is empty.
func Normalize(row map[string]interface{}) Job {
	job := Job{
		ID:     ExtractID(row),
		Status: StatusUnknown,
	}
	if row == nil {
		return job
	}

	if s := stringField(row, "status"); s != nil && *s != "" {
		job.Status = Status(*s)
	}
	job.Name = stringField(row, "name")
	job.Message = stringField(row, "message")
	job.Result = textField(row, "result")
	job.Category = stringField(row, "category")
	job.Tone = stringField(row, "tone")
	job.Priority = stringField(row, "priority", "urgency")
	job.Language = stringField(row, "language")
	job.Error = stringField(row, "error")
	job.UpdatedAt = timeField(row, "updatedAt", "updated_at")
	job.CreatedAt = CreatedAtFromID(job.ID)

	return job
}

// ExtractID returns the job identifier of a wire row. It tries, in order, an
// identifier wrapper object under "_id" ({"$oid": "..."}), a plain string
// "_id", then a generic "id".
func ExtractID(row map[string]interface{}) string {
	if row == nil {
		return ""
	}
	if wrapper, ok := row["_id"].(map[string]interface{}); ok {
		if id := scalarID(wrapper["$oid"]); id != "" {
			return id
		}
	}
	if id, ok := row["_id"].(string); ok {
		if id = strings.TrimSpace(id); id != "" {
			return id
		}
	}
	return scalarID(row["id"])
}

// EventID extracts a job identifier from a delete notification payload, which
// is either the bare identifier or a row carrying one.
func EventID(payload interface{}) string {
	switch v := payload.(type) {
	case map[string]interface{}:
		return ExtractID(v)
	default:
		return scalarID(v)
	}
}

// CreatedAtFromID reads the creation time embedded in the first 8 hex
// characters of a 12-byte object identifier. It returns nil for identifiers
// that do not carry one.
func CreatedAtFromID(id string) *time.Time {
	if len(id) < 8 {
		return nil
	}
	secs, err := strconv.ParseUint(id[:8], 16, 32)
	if err != nil {
		return nil
	}
	t := time.Unix(int64(secs), 0).UTC()
	return &t
}

func scalarID(v interface{}) string {
	switch v.(type) {
	case nil, map[string]interface{}, []interface{}:
		return ""
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

// stringField returns the first present key as a string.
func stringField(row map[string]interface{}, keys ...string) *string {
	for _, key := range keys {
		v, ok := row[key]
		if !ok || v == nil {
			continue
		}
		s, err := cast.ToStringE(v)
		if err != nil {
			continue
		}
		return &s
	}
	return nil
}

// textField is stringField that JSON-encodes structured values.
func textField(row map[string]interface{}, key string) *string {
	v, ok := row[key]
	if !ok || v == nil {
		return nil
	}
	switch v.(type) {
	case map[string]interface{}, []interface{}:
		b, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		s := string(b)
		return &s
	}
	return stringField(row, key)
}

func timeField(row map[string]interface{}, keys ...string) *time.Time {
	for _, key := range keys {
		v, ok := row[key]
		if !ok || v == nil {
			continue
		}
		if f, isFloat := v.(float64); isFloat {
			// JSON numbers are epoch milliseconds.
			t := time.UnixMilli(int64(f)).UTC()
			return &t
		}
		t, err := cast.ToTimeE(v)
		if err != nil {
			continue
		}
		t = t.UTC()
		return &t
	}
	return nil
}
