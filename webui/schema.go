package webui

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/xeipuuv/gojsonschema"
)

// maxBodyBytes bounds request bodies; two images as data URLs fit.
const maxBodyBytes = 32 << 20

var schemaSources = map[string]string{
	"generate": `{
		"type": "object",
		"required": ["brief"],
		"properties": {
			"brief": {
				"type": "object",
				"properties": {
					"category": {"type": "string"},
					"title": {"type": "string", "maxLength": 200},
					"emotion": {"type": "string"},
					"emotion_intensity": {"type": "integer", "minimum": 0, "maximum": 100},
					"text_color": {"type": "string"},
					"font_style": {"type": "string"},
					"background_style": {"type": "string"},
					"outline_thickness": {"type": "string"},
					"outline_color": {"type": "string"},
					"custom_background_prompt": {"type": "string", "maxLength": 1000},
					"difficulty": {"enum": ["", "Easy", "Medium", "Hard"]}
				}
			},
			"image": {"type": "string", "pattern": "^(data:[a-z]+/[a-z0-9.+-]+;base64,|$)"},
			"second_image": {"type": "string", "pattern": "^(data:[a-z]+/[a-z0-9.+-]+;base64,|$)"},
			"variations": {"type": "integer"}
		}
	}`,
	"pro": `{
		"type": "object",
		"required": ["prompt"],
		"properties": {"prompt": {"type": "string", "maxLength": 2000}}
	}`,
	"recreate": `{
		"type": "object",
		"properties": {
			"original": {"type": "string", "pattern": "^(data:[a-z]+/[a-z0-9.+-]+;base64,|$)"},
			"character": {"type": "string", "pattern": "^(data:[a-z]+/[a-z0-9.+-]+;base64,|$)"},
			"text": {"type": "string", "maxLength": 200}
		}
	}`,
	"filter": `{
		"type": "object",
		"required": ["filter"],
		"properties": {"filter": {"type": "string", "maxLength": 200}}
	}`,
	"background": `{
		"type": "object",
		"required": ["description"],
		"properties": {"description": {"type": "string", "maxLength": 1000}}
	}`,
	"custom-background": `{
		"type": "object",
		"required": ["background"],
		"properties": {"background": {"type": "string", "pattern": "^(data:[a-z]+/[a-z0-9.+-]+;base64,|$)"}}
	}`,
	"text": `{
		"type": "object",
		"required": ["content", "font_size", "color", "position"],
		"properties": {
			"content": {"type": "string", "maxLength": 200},
			"font_size": {"type": "number", "minimum": 1, "maximum": 1000},
			"color": {"type": "string"},
			"outline_color": {"type": "string"},
			"outline_width": {"type": "number", "minimum": 0},
			"position": {
				"type": "object",
				"required": ["x", "y"],
				"properties": {
					"x": {"type": "number", "minimum": 0, "maximum": 100},
					"y": {"type": "number", "minimum": 0, "maximum": 100}
				}
			},
			"bold": {"type": "boolean"},
			"italic": {"type": "boolean"},
			"font_family": {"type": "string"}
		}
	}`,
	"activate": `{
		"type": "object",
		"required": ["user_id", "plan"],
		"properties": {
			"user_id": {"type": "string", "minLength": 1},
			"plan": {"type": "string", "minLength": 1}
		}
	}`,
}

// schemas holds the compiled request body schemas by name.
type schemas map[string]*gojsonschema.Schema

func compileSchemas() (schemas, error) {
	out := make(schemas, len(schemaSources))
	for name, src := range schemaSources {
		s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
		if err != nil {
			return nil, fmt.Errorf("webui: compile %s schema: %w", name, err)
		}
		out[name] = s
	}
	return out, nil
}

// decode reads the body, checks it against the named schema and
// unmarshals it into dst. Failures are *badRequest.
func (s schemas) decode(r *http.Request, name string, dst interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return &badRequest{msg: "Could not read the request body."}
	}
	if len(body) > maxBodyBytes {
		return &badRequest{msg: "The request body is too large."}
	}
	if len(body) == 0 {
		body = []byte("{}")
	}

	result, err := s[name].Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return &badRequest{msg: "The request body is not valid JSON."}
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			details = append(details, e.String())
		}
		return &badRequest{msg: "The request body does not match the expected shape.", details: details}
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return &badRequest{msg: "The request body is not valid JSON."}
	}
	return nil
}
