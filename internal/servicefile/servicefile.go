// Package servicefile loads the YAML files describing a deployment: a
// mapping whose lowercase keys are services and whose capitalized keys are
// global directives. The loader resolves Includes and hands the daemon a
// plain {services, globals} pair; service order in the file is preserved
// because the initial bootstrap of a deployment is order-sensitive.
package servicefile

import (
	"fmt"
	"os"
	"path/filepath"
	"unicode"

	"gopkg.in/yaml.v3"
)

// NamedService pairs a service name with its raw definition.
type NamedService struct {
	Name       string
	Definition map[string]interface{}
}

// ServiceFile is a loaded and include-resolved deployment description.
type ServiceFile struct {
	Path     string
	Globals  map[string]interface{}
	Services []NamedService
}

// Service returns the named service's definition, or nil.
func (f *ServiceFile) Service(name string) map[string]interface{} {
	for _, svc := range f.Services {
		if svc.Name == name {
			return svc.Definition
		}
	}
	return nil
}

// Load reads a service file and resolves its Includes. Include paths are
// relative to the including file; their globals merge one level deep
// (nested maps merged, scalars overridden by the includer) and their
// services come first, with local definitions overriding by name.
func Load(filename string) (*ServiceFile, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read service file: %w", err)
	}
	return parse(filename, raw)
}

func parse(filename string, raw []byte) (*ServiceFile, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}

	file := &ServiceFile{Path: filename, Globals: map[string]interface{}{}}
	if len(doc.Content) == 0 {
		return file, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%s: top level must be a mapping", filename)
	}

	for i := 0; i+1 < len(root.Content); i += 2 {
		keyNode, valueNode := root.Content[i], root.Content[i+1]
		name := keyNode.Value

		var value interface{}
		if err := valueNode.Decode(&value); err != nil {
			return nil, fmt.Errorf("%s: key %q: %w", filename, name, err)
		}

		if isGlobalKey(name) {
			file.Globals[name] = value
			continue
		}

		def, err := coerceDefinition(value)
		if err != nil {
			return nil, fmt.Errorf("%s: service %q: %w", filename, name, err)
		}
		file.Services = append(file.Services, NamedService{Name: name, Definition: def})
	}

	return resolveIncludes(file)
}

// isGlobalKey: capitalized top-level keys are global directives, the rest
// are services.
func isGlobalKey(name string) bool {
	for _, r := range name {
		return unicode.IsUpper(r)
	}
	return false
}

// coerceDefinition accepts the bare-string shorthand `name: command`.
func coerceDefinition(value interface{}) (map[string]interface{}, error) {
	switch v := value.(type) {
	case nil:
		return map[string]interface{}{}, nil
	case string:
		return map[string]interface{}{"cmd": v}, nil
	case map[string]interface{}:
		return v, nil
	}
	return nil, fmt.Errorf("expected a mapping or string, got %T", value)
}

func resolveIncludes(file *ServiceFile) (*ServiceFile, error) {
	includes, ok := file.Globals["Includes"].([]interface{})
	if !ok {
		return file, nil
	}

	for _, entry := range includes {
		includePath := fmt.Sprint(entry)
		if !filepath.IsAbs(includePath) {
			includePath = filepath.Join(filepath.Dir(file.Path), includePath)
		}
		included, err := Load(includePath)
		if err != nil {
			return nil, err
		}

		file.Globals = mergeGlobals(included.Globals, file.Globals)
		file.Services = mergeServices(included.Services, file.Services)
	}
	return file, nil
}

// mergeGlobals merges one level deep: nested maps are combined with the
// includer's entries winning, everything else is overridden outright.
func mergeGlobals(base, override map[string]interface{}) map[string]interface{} {
	merged := map[string]interface{}{}
	for k, v := range base {
		merged[k] = v
	}
	for key, value := range override {
		nested, ok := value.(map[string]interface{})
		if !ok {
			merged[key] = value
			continue
		}
		existing, ok := merged[key].(map[string]interface{})
		if !ok {
			existing = map[string]interface{}{}
		}
		combined := map[string]interface{}{}
		for k, v := range existing {
			combined[k] = v
		}
		for k, v := range nested {
			combined[k] = v
		}
		merged[key] = combined
	}
	return merged
}

// mergeServices keeps included services first; a local service with the
// same name replaces the included one in place.
func mergeServices(base, local []NamedService) []NamedService {
	merged := append([]NamedService(nil), base...)
	for _, svc := range local {
		replaced := false
		for i, existing := range merged {
			if existing.Name == svc.Name {
				merged[i] = svc
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, svc)
		}
	}
	return merged
}
