package backend

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/spf13/cast"
)

type listMeta struct {
	HasMore    bool
	NextCursor string
}

// decodeListing accepts either a bare array of rows or an envelope
// {"data": [...], "meta": {"hasMore": bool, "nextCursor": string}}.
func decodeListing(body []byte) ([]map[string]interface{}, listMeta, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, listMeta{}, nil
	}

	if trimmed[0] == '[' {
		rows, err := decodeRows(trimmed)
		return rows, listMeta{}, err
	}

	var env struct {
		Data json.RawMessage        `json:"data"`
		Meta map[string]interface{} `json:"meta"`
	}
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, listMeta{}, fmt.Errorf("decode job listing: %w", err)
	}

	var rows []map[string]interface{}
	if len(env.Data) > 0 && !bytes.Equal(env.Data, []byte("null")) {
		var err error
		if rows, err = decodeRows(env.Data); err != nil {
			return nil, listMeta{}, err
		}
	}

	meta := listMeta{}
	if env.Meta != nil {
		meta.HasMore = cast.ToBool(env.Meta["hasMore"])
		if v := env.Meta["nextCursor"]; v != nil {
			meta.NextCursor = cast.ToString(v)
		}
	}
	return rows, meta, nil
}

// decodeRows decodes an array, skipping elements that are not objects.
func decodeRows(raw []byte) ([]map[string]interface{}, error) {
	var items []interface{}
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode job rows: %w", err)
	}
	rows := make([]map[string]interface{}, 0, len(items))
	for _, item := range items {
		if row, ok := item.(map[string]interface{}); ok {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

// decodeRow returns the job row carried by an action response, if any. The
// row may be the body itself or nested under "data" or "job".
func decodeRow(body []byte) map[string]interface{} {
	var obj map[string]interface{}
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil
	}
	for _, key := range []string{"data", "job"} {
		if nested, ok := obj[key].(map[string]interface{}); ok {
			return nested
		}
	}
	return obj
}
