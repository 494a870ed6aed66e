// Package tools holds the tool catalog, the stage-scoped registry and the
// collaborators that actually carry out tool calls.
package tools

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"github.com/cloudwego/eino/schema"
	"gopkg.in/yaml.v3"
)

// EscalateTool is the built-in tool through which a stage asks for a human.
const EscalateTool = "escalate"

//go:embed catalog.yaml
var defaultCatalog []byte

// Parameter describes one argument of a tool using the JSON schema subset the
// model understands.
type Parameter struct {
	Type        string               `yaml:"type"`
	Description string               `yaml:"description"`
	Required    bool                 `yaml:"required"`
	Enum        []string             `yaml:"enum"`
	Items       *Parameter           `yaml:"items"`
	Properties  map[string]Parameter `yaml:"properties"`
}

// Definition is a named capability exposed to the model.
type Definition struct {
	Name        string               `yaml:"name"`
	Description string               `yaml:"description"`
	Endpoint    string               `yaml:"endpoint"`
	Parameters  map[string]Parameter `yaml:"parameters"`
}

type catalogFile struct {
	Tools []Definition `yaml:"tools"`
}

// DefaultCatalog returns the built-in tool definitions.
func DefaultCatalog() ([]Definition, error) {
	return ParseCatalog(defaultCatalog)
}

// ParseCatalog decodes and validates a YAML catalog.
func ParseCatalog(raw []byte) ([]Definition, error) {
	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse tool catalog: %w", err)
	}
	seen := make(map[string]struct{}, len(file.Tools))
	for _, def := range file.Tools {
		if err := def.validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[def.Name]; dup {
			return nil, fmt.Errorf("tool %q defined twice", def.Name)
		}
		seen[def.Name] = struct{}{}
	}
	return file.Tools, nil
}

func (d Definition) validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("tool definition without name")
	}
	for name, p := range d.Parameters {
		if err := p.validate(); err != nil {
			return fmt.Errorf("tool %s parameter %s: %w", d.Name, name, err)
		}
	}
	return nil
}

func (p Parameter) validate() error {
	if _, ok := dataTypes[p.Type]; !ok {
		return fmt.Errorf("unsupported type %q", p.Type)
	}
	if p.Items != nil {
		if err := p.Items.validate(); err != nil {
			return err
		}
	}
	for name, sub := range p.Properties {
		if err := sub.validate(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

var dataTypes = map[string]schema.DataType{
	"string":  schema.String,
	"integer": schema.Integer,
	"number":  schema.Number,
	"boolean": schema.Boolean,
	"array":   schema.Array,
	"object":  schema.Object,
	"null":    schema.Null,
}

// ToolInfo converts the definition to the schema handed to the model.
func (d Definition) ToolInfo() *schema.ToolInfo {
	info := &schema.ToolInfo{Name: d.Name, Desc: d.Description}
	if len(d.Parameters) > 0 {
		info.ParamsOneOf = schema.NewParamsOneOfByParams(toParameterInfos(d.Parameters))
	}
	return info
}

// MissingRequired lists required top-level arguments absent from args, sorted.
func (d Definition) MissingRequired(args map[string]any) []string {
	var missing []string
	for name, p := range d.Parameters {
		if !p.Required {
			continue
		}
		if _, ok := args[name]; !ok {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

func toParameterInfos(params map[string]Parameter) map[string]*schema.ParameterInfo {
	out := make(map[string]*schema.ParameterInfo, len(params))
	for name, p := range params {
		out[name] = p.info()
	}
	return out
}

func (p Parameter) info() *schema.ParameterInfo {
	info := &schema.ParameterInfo{
		Type:     dataTypes[p.Type],
		Desc:     p.Description,
		Enum:     p.Enum,
		Required: p.Required,
	}
	if p.Items != nil {
		info.ElemInfo = p.Items.info()
	}
	if len(p.Properties) > 0 {
		info.SubParams = toParameterInfos(p.Properties)
	}
	return info
}
