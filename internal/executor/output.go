package executor

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonschema"
)

// Output is the structured result a task is asked to produce
type Output struct {
	Result             []string `json:"result"`
	ShouldNotify       *bool    `json:"shouldNotify,omitempty"`
	NotificationReason string   `json:"notificationReason,omitempty"`
}

var resultSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"result": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["result"]
}`)

var criterionSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"result": {"type": "array", "items": {"type": "string"}},
		"shouldNotify": {"type": "boolean"},
		"notificationReason": {"type": "string"}
	},
	"required": ["result", "shouldNotify"]
}`)

const criterionSuffix = `

When you are done, also decide whether the user should be notified about this run.
The notification condition is: %q
Set "shouldNotify" to true only if the condition is met, and give a one sentence
explanation in "notificationReason". Put your findings in "result" as a list of strings.`

var (
	compiledResult    = mustCompile(resultSchema)
	compiledCriterion = mustCompile(criterionSchema)
)

func mustCompile(raw json.RawMessage) *jsonschema.Schema {
	schema, err := jsonschema.NewCompiler().Compile(raw)
	if err != nil {
		panic(fmt.Sprintf("compile output schema: %v", err))
	}
	return schema
}

// BuildTask returns the description sent to the provider and the declared output schema
func BuildTask(description, criterion string) (string, json.RawMessage) {
	criterion = strings.TrimSpace(criterion)
	if criterion == "" {
		return description, resultSchema
	}
	return description + fmt.Sprintf(criterionSuffix, criterion), criterionSchema
}

var codeFenceRe = regexp.MustCompile("(?s)^```(?:json)?\\s*(.*?)\\s*```$")

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if m := codeFenceRe.FindStringSubmatch(s); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	return s
}

// ParseOutput decodes provider output against the declared schema. Output that
// is not valid JSON or does not match is kept verbatim as a single result line.
func ParseOutput(raw string, withCriterion bool) (*Output, error) {
	text := stripCodeFences(raw)
	if text == "" {
		return &Output{Result: []string{}}, nil
	}

	schema := compiledResult
	if withCriterion {
		schema = compiledCriterion
	}

	var data any
	if err := json.Unmarshal([]byte(text), &data); err != nil {
		return &Output{Result: []string{raw}}, fmt.Errorf("output is not JSON: %w", err)
	}
	if result := schema.Validate(data); !result.IsValid() {
		return &Output{Result: []string{raw}}, fmt.Errorf("output does not match schema: %s", result.Error())
	}

	var out Output
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return &Output{Result: []string{raw}}, fmt.Errorf("decoding output: %w", err)
	}
	if out.Result == nil {
		out.Result = []string{}
	}
	return &out, nil
}
