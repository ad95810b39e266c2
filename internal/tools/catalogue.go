package tools

import (
	"github.com/invopop/jsonschema"
)

// CatalogueEntry 是暴露给智能体的工具说明。
type CatalogueEntry struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Parameters  []Parameter        `json:"parameters"`
	Schema      *jsonschema.Schema `json:"schema"`
}

// Catalogue 生成按注册顺序排列的工具目录，用于工具选择提示词。
func (r *Registry) Catalogue() []CatalogueEntry {
	descs := r.List()
	entries := make([]CatalogueEntry, 0, len(descs))
	for _, desc := range descs {
		entries = append(entries, CatalogueEntry{
			Name:        desc.Name,
			Description: desc.Description,
			Parameters:  desc.Parameters,
			Schema:      ParameterSchema(desc.Parameters),
		})
	}
	return entries
}

// ParameterSchema 将位置参数描述转换为 JSON Schema 的 prefixItems 形式。
func ParameterSchema(params []Parameter) *jsonschema.Schema {
	items := make([]*jsonschema.Schema, 0, len(params))
	required := 0
	for _, p := range params {
		items = append(items, parameterSchema(p))
		if p.Required {
			required++
		}
	}
	maxItems := uint64(len(params))
	schema := &jsonschema.Schema{
		Type:        "array",
		PrefixItems: items,
		MinItems:    uint64Ptr(uint64(required)),
		MaxItems:    &maxItems,
	}
	return schema
}

func parameterSchema(p Parameter) *jsonschema.Schema {
	s := &jsonschema.Schema{
		Title:       p.Name,
		Description: p.Description,
		WriteOnly:   p.Sensitive,
	}
	switch p.Type {
	case TypeString:
		s.Type = "string"
	case TypeNumber:
		s.Type = "number"
	case TypeBoolean:
		s.Type = "boolean"
	case TypeBigInt:
		s.OneOf = []*jsonschema.Schema{
			{Type: "integer"},
			{Type: "string", Pattern: `^-?[0-9]+$`},
		}
	}
	return s
}

func uint64Ptr(v uint64) *uint64 { return &v }
