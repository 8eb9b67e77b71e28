package schema

import (
	"fmt"
	"os"

	syncerr "github.com/23skdu/cloudsync/internal/errors"
	"gopkg.in/yaml.v3"
)

type fileSchema struct {
	Entities []fileEntity `yaml:"entities"`
}

type fileEntity struct {
	Name          string             `yaml:"name"`
	Attributes    []fileAttribute    `yaml:"attributes"`
	Relationships []fileRelationship `yaml:"relationships"`
}

type fileAttribute struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	Optional    bool   `yaml:"optional"`
	Transformer string `yaml:"transformer"`
}

type fileRelationship struct {
	Name        string `yaml:"name"`
	Destination string `yaml:"destination"`
	ToMany      bool   `yaml:"toMany"`
	Inverse     string `yaml:"inverse"`
}

// Parse builds a schema from its YAML description.
func Parse(data []byte, reg *Registry) (*Schema, error) {
	var fs fileSchema
	if err := yaml.Unmarshal(data, &fs); err != nil {
		return nil, syncerr.Wrap(err, syncerr.ErrorTypeValidation, "schema.Parse", "invalid schema document")
	}
	if len(fs.Entities) == 0 {
		return nil, syncerr.NewValidationError("schema.Parse", "schema declares no entities")
	}

	entities := make([]*Entity, 0, len(fs.Entities))
	for _, fe := range fs.Entities {
		e := &Entity{Name: fe.Name}
		for _, fa := range fe.Attributes {
			kind, err := ParseKind(fa.Type)
			if err != nil {
				return nil, syncerr.Wrap(err, syncerr.ErrorTypeValidation, "schema.Parse", fmt.Sprintf("%s.%s", fe.Name, fa.Name))
			}
			e.Attributes = append(e.Attributes, &Attribute{
				Name:        fa.Name,
				Kind:        kind,
				Optional:    fa.Optional,
				Transformer: fa.Transformer,
			})
		}
		for _, fr := range fe.Relationships {
			e.Relationships = append(e.Relationships, &Relationship{
				Name:        fr.Name,
				Destination: fr.Destination,
				ToMany:      fr.ToMany,
				Inverse:     fr.Inverse,
			})
		}
		entities = append(entities, e)
	}
	return New(entities, reg)
}

// LoadFile reads and parses a YAML schema file.
func LoadFile(path string, reg *Registry) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", path, err)
	}
	return Parse(data, reg)
}
