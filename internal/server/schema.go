package server

import (
	"embed"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"embedstream/internal/core"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Request schema names, matching files under schemas/.
const (
	schemaEmbeddings = "embeddings"
	schemaChatStream = "chat_stream"
)

// schemas holds compiled request schemas by name.
type schemas map[string]*gojsonschema.Schema

func loadSchemas() (schemas, error) {
	out := make(schemas)
	for _, name := range []string{schemaEmbeddings, schemaChatStream} {
		raw, err := schemaFS.ReadFile("schemas/" + name + ".json")
		if err != nil {
			return nil, err
		}
		s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		out[name] = s
	}
	return out, nil
}

// validate checks body against the named schema and returns a 400 error
// listing every violation.
func (s schemas) validate(name string, body []byte) error {
	res, err := s[name].Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return core.NewInvalidRequestError("invalid JSON body: "+err.Error(), err)
	}
	if res.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		msgs = append(msgs, e.String())
	}
	return core.NewInvalidRequestError("invalid request: "+strings.Join(msgs, "; "), nil)
}
