package quality

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed issues_schema.json
var issuesSchemaJSON string

// ParseIssues decodes and schema-validates one gate agent's payload.
func ParseIssues(payload string) ([]AgentIssue, error) {
	schemaLoader := gojsonschema.NewStringLoader(issuesSchemaJSON)
	documentLoader := gojsonschema.NewStringLoader(payload)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return nil, fmt.Errorf("validate issues payload: %w", err)
	}
	if !result.Valid() {
		errs := make([]string, 0, len(result.Errors()))
		for _, schemaErr := range result.Errors() {
			errs = append(errs, schemaErr.String())
		}
		sort.Strings(errs)
		return nil, fmt.Errorf("issues payload schema validation failed: %s", strings.Join(errs, "; "))
	}

	var doc issuesPayload
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return nil, fmt.Errorf("decode issues payload: %w", err)
	}
	return doc.Issues, nil
}
