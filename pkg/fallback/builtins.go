package fallback

import (
	"encoding/json"

	"github.com/odvcencio/bindery/pkg/errors"
)

// MockVersion is reported by the offline "version" method.
const MockVersion = "0.0.0-offline"

var builtins = map[string]Handler{
	"ping": func(json.RawMessage) (any, error) {
		return map[string]any{"pong": true, "mock": true}, nil
	},
	"version": func(json.RawMessage) (any, error) {
		return map[string]any{"version": MockVersion, "mock": true}, nil
	},
	"workspace/status": func(json.RawMessage) (any, error) {
		return map[string]any{"indexed": false, "mock": true}, nil
	},
	"tasks/list": listHandler,
	"codex/list": listHandler,
	"tasks/get":  getHandler("task"),
	"codex/get":  getHandler("entry"),
	"codex/search": func(params json.RawMessage) (any, error) {
		var p struct {
			Query string `json:"query"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return map[string]any{"query": p.Query, "results": []any{}, "mock": true}, nil
	},
}

func listHandler(json.RawMessage) (any, error) {
	return map[string]any{"items": []any{}, "total": 0, "mock": true}, nil
}

func getHandler(kind string) Handler {
	return func(params json.RawMessage) (any, error) {
		var p struct {
			ID string `json:"id"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if p.ID == "" {
			return nil, errors.New(errors.ErrCodeInvalidInput, "id is required")
		}
		return map[string]any{"id": p.ID, "kind": kind, "found": false, "mock": true}, nil
	}
}

func decodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid params")
	}
	return nil
}
