package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

var schemaCache sync.Map // reflect.Type -> *jsonschema.Schema

// SchemaFor infers the JSON schema of T once and caches it.
func SchemaFor[T any]() (*jsonschema.Schema, error) {
	key := reflect.TypeFor[T]()
	if s, ok := schemaCache.Load(key); ok {
		return s.(*jsonschema.Schema), nil
	}
	s, err := jsonschema.For[T](nil)
	if err != nil {
		return nil, fmt.Errorf("schema for %s: %w", key, err)
	}
	schemaCache.Store(key, s)
	return s, nil
}

// Validator is implemented by response types with constraints a schema cannot express.
type Validator interface {
	Validate() error
}

// GenerateInto asks p for a document shaped like T and decodes it.
func GenerateInto[T any](ctx context.Context, p Provider, req Request) (T, error) {
	var out T
	schema, err := SchemaFor[T]()
	if err != nil {
		return out, &ProviderError{Provider: p.Name(), Op: "schema", Err: &PermanentError{Err: err}}
	}
	req.Schema = schema
	raw, err := p.Generate(ctx, req)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), &out); err != nil {
		return out, &ProviderError{Provider: p.Name(), Op: "decode", Err: fmt.Errorf("%w: %v", ErrMalformedResponse, err)}
	}
	if v, ok := any(&out).(Validator); ok {
		if err := v.Validate(); err != nil {
			return out, &ProviderError{Provider: p.Name(), Op: "validate", Err: fmt.Errorf("%w: %v", ErrMalformedResponse, err)}
		}
	}
	return out, nil
}

// stripCodeFence removes a ```json fence some models wrap around JSON output.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func schemaJSON(s *jsonschema.Schema) (json.RawMessage, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal(s)
}
