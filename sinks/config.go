package sinks

import "github.com/tarungka/changewatch/internal/models"

type SinkConfig struct {
	Name           string            `koanf:"name" json:"name"`
	ConnectionType string            `koanf:"type" json:"type"`
	EntityTypes    []string          `koanf:"entity_types" json:"entity_types"` // the types this handler is registered for
	Config         map[string]string `koanf:"config" json:"config"`
}

func (c SinkConfig) HandledTypes() []models.EntityType {
	types := make([]models.EntityType, 0, len(c.EntityTypes))
	for _, t := range c.EntityTypes {
		types = append(types, models.EntityType(t))
	}
	return types
}
