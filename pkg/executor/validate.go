package executor

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var errorPrinter = message.NewPrinter(language.English)

// validateAgainstSchema compiles the schema (draft-7 unless it says
// otherwise) and validates the parameter map against it. Each
// violation becomes one message prefixed with the dotted instance
// path. Both documents are round-tripped through encoding/json so the
// validator only ever sees decoded JSON values.
func validateAgainstSchema(parameters map[string]any, schema map[string]any) (bool, []string) {
	schemaDoc, err := jsonRoundTrip(schema)
	if err != nil {
		return false, []string{fmt.Sprintf("invalid schema: %v", err)}
	}

	compiler := jsonschema.NewCompiler()
	compiler.DefaultDraft(jsonschema.Draft7)
	if err := compiler.AddResource("schema.json", schemaDoc); err != nil {
		return false, []string{fmt.Sprintf("invalid schema: %v", err)}
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return false, []string{fmt.Sprintf("invalid schema: %v", err)}
	}

	instance, err := jsonRoundTrip(parameters)
	if err != nil {
		return false, []string{fmt.Sprintf("invalid parameters: %v", err)}
	}

	err = compiled.Validate(instance)
	if err == nil {
		return true, nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return false, []string{err.Error()}
	}
	var msgs []string
	collectLeafErrors(verr, &msgs)
	sort.Strings(msgs)
	return false, msgs
}

func collectLeafErrors(e *jsonschema.ValidationError, out *[]string) {
	if len(e.Causes) == 0 {
		msg := e.ErrorKind.LocalizedString(errorPrinter)
		if path := strings.Join(e.InstanceLocation, "."); path != "" {
			msg = path + ": " + msg
		}
		*out = append(*out, msg)
		return
	}
	for _, cause := range e.Causes {
		collectLeafErrors(cause, out)
	}
}

func jsonRoundTrip(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
