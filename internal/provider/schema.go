package provider

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/gdbrns/go-whatsapp-unit-connections/internal/connection"
)

// configSchema validates the credentials map of one provider.
type configSchema struct {
	schema *jsonschema.Schema
}

// mustCompileSchema panics on a malformed built-in schema.
func mustCompileSchema(name string, raw string) configSchema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		panic("provider: parse " + name + " schema: " + err.Error())
	}
	c := jsonschema.NewCompiler()
	url := name + ".config.json"
	if err := c.AddResource(url, doc); err != nil {
		panic("provider: add " + name + " schema: " + err.Error())
	}
	sch, err := c.Compile(url)
	if err != nil {
		panic("provider: compile " + name + " schema: " + err.Error())
	}
	return configSchema{schema: sch}
}

func (s configSchema) validate(p connection.Provider, cfg connection.Config) error {
	inst := make(map[string]any, len(cfg))
	for k, v := range cfg {
		inst[k] = v
	}
	if err := s.schema.Validate(inst); err != nil {
		return connection.Errorf(connection.KindInvalidConfig, string(p)+".validate_config", "credentials rejected: %v", err)
	}
	return nil
}
