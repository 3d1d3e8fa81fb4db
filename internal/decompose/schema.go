package decompose

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

//go:embed schema/*.json
var schemaFS embed.FS

var (
	compiledSchemas map[string]*jsonschema.Schema
	compileOnce     sync.Once
	compileErr      error
	printer         = message.NewPrinter(language.English)
)

// getSchemas compiles every embedded params schema once. Schemas are keyed by
// request type, taken from the file name.
func getSchemas() (map[string]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		entries, err := fs.ReadDir(schemaFS, "schema")
		if err != nil {
			compileErr = fmt.Errorf("reading embedded schemas: %w", err)
			return
		}

		c := jsonschema.NewCompiler()
		schemas := make(map[string]*jsonschema.Schema, len(entries))
		for _, e := range entries {
			name := e.Name()
			raw, err := schemaFS.ReadFile("schema/" + name)
			if err != nil {
				compileErr = fmt.Errorf("reading schema %s: %w", name, err)
				return
			}
			doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
			if err != nil {
				compileErr = fmt.Errorf("unmarshaling schema %s: %w", name, err)
				return
			}
			if err := c.AddResource(name, doc); err != nil {
				compileErr = fmt.Errorf("adding schema resource %s: %w", name, err)
				return
			}
		}
		for _, e := range entries {
			name := e.Name()
			s, err := c.Compile(name)
			if err != nil {
				compileErr = fmt.Errorf("compiling schema %s: %w", name, err)
				return
			}
			schemas[strings.TrimSuffix(name, ".json")] = s
		}
		compiledSchemas = schemas
	})
	return compiledSchemas, compileErr
}

// ValidateParams checks params against the schema for a request type. Request
// types without a schema accept any JSON object. The error return is for
// unparsable input or schema compilation failures; schema violations are
// returned as issues of the form "/path: message".
func ValidateParams(requestType string, params []byte) ([]string, error) {
	schemas, err := getSchemas()
	if err != nil {
		return nil, fmt.Errorf("loading schema: %w", err)
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(params))
	if err != nil {
		return nil, fmt.Errorf("params are not valid JSON: %w", err)
	}

	schema, ok := schemas[requestType]
	if !ok {
		if _, isObject := inst.(map[string]any); !isObject {
			return []string{"params must be a JSON object"}, nil
		}
		return nil, nil
	}

	err = schema.Validate(inst)
	if err == nil {
		return nil, nil
	}
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return nil, fmt.Errorf("unexpected validation error type: %w", err)
	}

	var issues []string
	collectIssues(ve, &issues)
	if len(issues) == 0 {
		issues = []string{ve.Error()}
	}
	return dedupe(issues), nil
}

// collectIssues walks the error tree and keeps leaf errors.
func collectIssues(ve *jsonschema.ValidationError, issues *[]string) {
	if len(ve.Causes) == 0 {
		if ve.ErrorKind == nil {
			return
		}
		kw := ve.ErrorKind.KeywordPath()
		if len(kw) > 0 {
			switch kw[len(kw)-1] {
			case "oneOf", "allOf", "$ref":
				return
			}
		}
		path := "/" + strings.Join(ve.InstanceLocation, "/")
		*issues = append(*issues, path+": "+ve.ErrorKind.LocalizedString(printer))
		return
	}
	for _, cause := range ve.Causes {
		collectIssues(cause, issues)
	}
}

func dedupe(issues []string) []string {
	seen := make(map[string]bool, len(issues))
	out := issues[:0]
	for _, s := range issues {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
