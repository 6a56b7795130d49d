package notify

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Decision is the envelope a notification-mode turn must produce.
type Decision struct {
	Delivery   string  `json:"delivery"` // "send" | "suppress"
	Message    *string `json:"message"`
	ReasonCode *string `json:"reasonCode"`
}

// decisionSchemaJSON is the strict output schema handed to the agent
// and enforced on its final message.
const decisionSchemaJSON = `{
	"type": "object",
	"properties": {
		"delivery": {"enum": ["send", "suppress"]},
		"message": {"type": ["string", "null"]},
		"reasonCode": {"type": ["string", "null"]}
	},
	"required": ["delivery", "message", "reasonCode"],
	"additionalProperties": false
}`

var decisionValidator = compileDecisionSchema()

func compileDecisionSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(decisionSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("parse decision schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("decision.schema.json", doc); err != nil {
		panic(fmt.Sprintf("add decision schema: %v", err))
	}
	return c.MustCompile("decision.schema.json")
}

// DecisionOutputSchema returns the schema value passed to turn/start.
func DecisionOutputSchema() any {
	v, err := jsonschema.UnmarshalJSON(strings.NewReader(decisionSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("parse decision schema: %v", err))
	}
	return v
}

// ParseDecision strictly parses assistant text as a decision envelope.
func ParseDecision(text string) (*Decision, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("empty decision text")
	}

	value, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
	if err != nil {
		return nil, fmt.Errorf("decision is not JSON: %w", err)
	}
	if err := decisionValidator.Validate(value); err != nil {
		return nil, fmt.Errorf("decision violates schema: %w", err)
	}

	var d Decision
	dec := json.NewDecoder(strings.NewReader(text))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("decode decision: %w", err)
	}
	if d.Delivery != "send" && d.Delivery != "suppress" {
		return nil, fmt.Errorf("decision delivery %q invalid", d.Delivery)
	}
	return &d, nil
}
