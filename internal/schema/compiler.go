// Package schema validates request bodies against JSON schemas.
package schema

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	js "github.com/santhosh-tekuri/jsonschema/v5"
)

// Action describes the body of an action request.
var Action = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"action": map[string]interface{}{
			"type": "string",
			"enum": []interface{}{"send", "pickup", "reply", "retry"},
		},
		"message": map[string]interface{}{"type": "string", "maxLength": 10000},
		"name":    map[string]interface{}{"type": "string", "maxLength": 200},
	},
	"required":             []interface{}{"action", "message"},
	"additionalProperties": false,
}

// Draft describes a partial update of the action draft.
var Draft = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"action": map[string]interface{}{
			"type": "string",
			"enum": []interface{}{"", "send", "pickup", "reply", "retry"},
		},
		"message": map[string]interface{}{"type": "string", "maxLength": 10000},
		"name":    map[string]interface{}{"type": "string", "maxLength": 200},
	},
	"additionalProperties": false,
}

// Compiler compiles schemas once and keeps them in an LRU cache keyed by
// content. It is safe for concurrent use.
type Compiler struct {
	mu       sync.Mutex
	compiler *js.Compiler
	cache    *expirable.LRU[string, *js.Schema]
}

func NewCompiler(maxSize int) *Compiler {
	if maxSize <= 0 {
		maxSize = 16
	}
	return &Compiler{
		compiler: js.NewCompiler(),
		cache:    expirable.NewLRU[string, *js.Schema](maxSize, nil, time.Hour),
	}
}

// Prepare compiles and caches a schema.
func (c *Compiler) Prepare(schema map[string]interface{}) (*js.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	sum := sha256.Sum256(raw)
	key := hex.EncodeToString(sum[:])
	if compiled, ok := c.cache.Get(key); ok {
		return compiled, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if compiled, ok := c.cache.Get(key); ok {
		return compiled, nil
	}

	url := "mem://schema/" + key[:32] + ".json"
	if err := c.compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	c.cache.Add(key, compiled)
	return compiled, nil
}

// Validate checks value, which must be JSON-shaped (decoded with
// encoding/json into interface{}), against schema.
func (c *Compiler) Validate(schema map[string]interface{}, value interface{}) error {
	compiled, err := c.Prepare(schema)
	if err != nil {
		return err
	}
	if err := compiled.Validate(value); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ValidateJSON decodes raw and validates it against schema.
func (c *Compiler) ValidateJSON(schema map[string]interface{}, raw []byte) (map[string]interface{}, error) {
	var value interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := c.Validate(schema, value); err != nil {
		return nil, err
	}
	obj, _ := value.(map[string]interface{})
	return obj, nil
}
