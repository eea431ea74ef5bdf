package cli

import (
	"context"
	"os"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/hearken/pkg/adapter"
	"github.com/m-mizutani/hearken/pkg/interfaces"
	"github.com/m-mizutani/hearken/pkg/repository"
	"github.com/m-mizutani/hearken/pkg/utils/logging"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

const (
	repoMemory    = "memory"
	repoSQLite    = "sqlite"
	repoFirestore = "firestore"
)

// config holds configuration values
type config struct {
	// Logging
	logLevel  string
	logFormat string

	// Repository
	repository string
	sqlitePath string
	project    string
	database   string

	// Gemini
	geminiAPIKey   string
	geminiProject  string
	geminiLocation string
	geminiModel    string

	// Archive
	archiveBucket string
	archivePrefix string

	// Session defaults
	sessionConfig string
}

// globalFlags returns logging flags shared by every command
func globalFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Aliases:     []string{"l"},
			Usage:       "Log level (debug, info, warn, error)",
			Value:       "info",
			Sources:     cli.EnvVars("HEARKEN_LOG_LEVEL"),
			Destination: &cfg.logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "Log format (console, json)",
			Value:       string(logging.FormatConsole),
			Sources:     cli.EnvVars("HEARKEN_LOG_FORMAT"),
			Destination: &cfg.logFormat,
		},
	}
}

// repositoryFlags returns flags selecting where sessions and messages are stored
func repositoryFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "repository",
			Aliases:     []string{"r"},
			Usage:       "Repository backend (memory, sqlite, firestore)",
			Value:       repoMemory,
			Sources:     cli.EnvVars("HEARKEN_REPOSITORY"),
			Destination: &cfg.repository,
		},
		&cli.StringFlag{
			Name:        "sqlite-path",
			Usage:       "SQLite database file",
			Value:       "hearken.db",
			Sources:     cli.EnvVars("HEARKEN_SQLITE_PATH"),
			Destination: &cfg.sqlitePath,
		},
		&cli.StringFlag{
			Name:        "project",
			Aliases:     []string{"p"},
			Usage:       "Google Cloud project ID",
			Sources:     cli.EnvVars("GOOGLE_CLOUD_PROJECT"),
			Destination: &cfg.project,
		},
		&cli.StringFlag{
			Name:        "database",
			Aliases:     []string{"d"},
			Usage:       "Firestore database ID",
			Value:       "(default)",
			Sources:     cli.EnvVars("FIRESTORE_DATABASE_ID"),
			Destination: &cfg.database,
		},
	}
}

// llmFlags returns flags for the shared Gemini client
func llmFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "gemini-api-key",
			Usage:       "Gemini API key",
			Sources:     cli.EnvVars("GEMINI_API_KEY"),
			Destination: &cfg.geminiAPIKey,
		},
		&cli.StringFlag{
			Name:        "gemini-project",
			Usage:       "Google Cloud project ID for Gemini on Vertex AI",
			Sources:     cli.EnvVars("GEMINI_PROJECT_ID"),
			Destination: &cfg.geminiProject,
		},
		&cli.StringFlag{
			Name:        "gemini-location",
			Usage:       "Google Cloud location for Gemini",
			Value:       "us-central1",
			Sources:     cli.EnvVars("GEMINI_LOCATION"),
			Destination: &cfg.geminiLocation,
		},
		&cli.StringFlag{
			Name:        "gemini-model",
			Usage:       "Default Gemini model",
			Sources:     cli.EnvVars("GEMINI_MODEL"),
			Destination: &cfg.geminiModel,
		},
	}
}

// sessionFlags returns flags for session defaults and transcript archiving
func sessionFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "session-config",
			Aliases:     []string{"c"},
			Usage:       "YAML file with default session configuration",
			Sources:     cli.EnvVars("HEARKEN_SESSION_CONFIG"),
			Destination: &cfg.sessionConfig,
		},
		&cli.StringFlag{
			Name:        "archive-bucket",
			Usage:       "Cloud Storage bucket for transcript archives",
			Sources:     cli.EnvVars("HEARKEN_ARCHIVE_BUCKET"),
			Destination: &cfg.archiveBucket,
		},
		&cli.StringFlag{
			Name:        "archive-prefix",
			Usage:       "Object prefix for transcript archives",
			Sources:     cli.EnvVars("HEARKEN_ARCHIVE_PREFIX"),
			Destination: &cfg.archivePrefix,
		},
	}
}

// setupLogger installs the configured logger as default and attaches it to ctx
func (cfg *config) setupLogger(ctx context.Context) context.Context {
	logger := logging.NewWithFormat(logging.Format(cfg.logFormat), cfg.logLevel, os.Stderr)
	logging.SetDefault(logger)
	return logging.With(ctx, logger)
}

// newRepository creates the configured repository
func (cfg *config) newRepository(ctx context.Context) (interfaces.Repository, error) {
	switch cfg.repository {
	case repoMemory, "":
		return repository.NewMemory(), nil

	case repoSQLite:
		if cfg.sqlitePath == "" {
			return nil, goerr.New("sqlite-path is required")
		}
		repo, err := repository.NewSQLite(ctx, cfg.sqlitePath)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to open sqlite repository")
		}
		return repo, nil

	case repoFirestore:
		if cfg.project == "" {
			return nil, goerr.New("project is required")
		}
		if cfg.database == "" {
			return nil, goerr.New("database is required")
		}
		repo, err := repository.NewFirestore(ctx, cfg.project, cfg.database)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create firestore repository")
		}
		return repo, nil

	default:
		return nil, goerr.New("unknown repository", goerr.V("repository", cfg.repository))
	}
}

// newGemini creates the shared Gemini client. It returns nil when neither an API key nor a
// project is configured.
func (cfg *config) newGemini(ctx context.Context) (*adapter.GeminiClient, error) {
	var opts []adapter.GeminiOption
	if cfg.geminiModel != "" {
		opts = append(opts, adapter.WithGenerativeModel(cfg.geminiModel))
	}

	switch {
	case cfg.geminiAPIKey != "":
		client, err := adapter.NewGeminiWithAPIKey(ctx, cfg.geminiAPIKey, opts...)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create gemini client")
		}
		return client, nil

	case cfg.geminiProject != "":
		if cfg.geminiLocation == "" {
			return nil, goerr.New("gemini-location is required")
		}
		client, err := adapter.NewGemini(ctx, cfg.geminiProject, cfg.geminiLocation, opts...)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create gemini client")
		}
		return client, nil
	}

	return nil, nil
}

// newStorage creates the archive storage. It returns nil when no bucket is configured.
func (cfg *config) newStorage(ctx context.Context) (*adapter.StorageClient, error) {
	if cfg.archiveBucket == "" {
		return nil, nil
	}

	storage, err := adapter.NewStorage(ctx, cfg.archiveBucket, adapter.WithPrefix(cfg.archivePrefix))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create storage")
	}
	return storage, nil
}

// loadSessionConfig reads the default session configuration file, if any
func (cfg *config) loadSessionConfig() (map[string]any, error) {
	if cfg.sessionConfig == "" {
		return map[string]any{}, nil
	}
	return loadYAMLConfig(cfg.sessionConfig)
}

func loadYAMLConfig(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read config file", goerr.V("path", path))
	}

	out := map[string]any{}
	if err := yaml.Unmarshal(raw, &out); err != nil {
		return nil, goerr.Wrap(err, "failed to parse config file", goerr.V("path", path))
	}
	return out, nil
}
