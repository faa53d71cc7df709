package oracle

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed decision.schema.json
var decisionSchema string

const decisionSchemaURL = "decision.schema.json"

func compileSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(decisionSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to parse decision schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(decisionSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("failed to add decision schema: %w", err)
	}
	return c.Compile(decisionSchemaURL)
}
