package storage

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/tcmartin/flowstudio/pkg/config"
)

// ProviderType names a workflow storage backend
type ProviderType string

// Supported backends, matching the storage.type config values
const (
	MemoryProviderType     ProviderType = "memory"
	DynamoDBProviderType   ProviderType = "dynamodb"
	PostgreSQLProviderType ProviderType = "postgresql"
)

// ErrUnknownProvider is returned for a storage type no backend implements
var ErrUnknownProvider = errors.New("unknown storage provider")

// ProviderConfig selects a backend and carries the settings of that backend only
type ProviderConfig struct {
	Type       ProviderType
	DynamoDB   *DynamoDBProviderConfig
	PostgreSQL *PostgreSQLProviderConfig
}

// ProviderConfigFrom maps the storage section of the server config onto a ProviderConfig
func ProviderConfigFrom(cfg config.StorageConfig) ProviderConfig {
	pc := ProviderConfig{Type: ProviderType(cfg.Type)}
	switch pc.Type {
	case DynamoDBProviderType:
		pc.DynamoDB = &DynamoDBProviderConfig{
			Region:      cfg.DynamoDB.Region,
			TablePrefix: cfg.DynamoDB.TablePrefix,
			Endpoint:    cfg.DynamoDB.Endpoint,
		}
	case PostgreSQLProviderType:
		pc.PostgreSQL = &PostgreSQLProviderConfig{
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			Database: cfg.Postgres.Database,
			SSLMode:  cfg.Postgres.SSLMode,
		}
	}
	return pc
}

// NewProviderFromConfig creates the workflow storage described by the server config.
// The provider is not initialized.
func NewProviderFromConfig(cfg config.StorageConfig) (StorageProvider, error) {
	pc := ProviderConfigFrom(cfg)
	switch pc.Type {
	case MemoryProviderType:
		log.Info().Msg("Using in-memory workflow storage")
	case DynamoDBProviderType:
		log.Info().
			Str("region", pc.DynamoDB.Region).
			Str("endpoint", pc.DynamoDB.Endpoint).
			Str("table_prefix", pc.DynamoDB.TablePrefix).
			Msg("Using DynamoDB workflow storage")
	case PostgreSQLProviderType:
		log.Info().
			Str("host", pc.PostgreSQL.Host).
			Int("port", pc.PostgreSQL.Port).
			Str("database", pc.PostgreSQL.Database).
			Msg("Using PostgreSQL workflow storage")
	}

	provider, err := NewProvider(pc)
	if err != nil {
		return nil, fmt.Errorf("%s storage: %w", cfg.Type, err)
	}
	return provider, nil
}

// NewProvider creates the backend selected by pc.Type
func NewProvider(pc ProviderConfig) (StorageProvider, error) {
	switch pc.Type {
	case MemoryProviderType:
		return NewMemoryProvider(), nil
	case DynamoDBProviderType:
		if pc.DynamoDB == nil {
			return nil, errors.New("dynamodb settings are missing")
		}
		return NewDynamoDBProvider(*pc.DynamoDB)
	case PostgreSQLProviderType:
		if pc.PostgreSQL == nil {
			return nil, errors.New("postgresql settings are missing")
		}
		return NewPostgreSQLProvider(*pc.PostgreSQL)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, pc.Type)
	}
}
