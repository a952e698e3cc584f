package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/quatton/runbookgen/pkg/db"
	"github.com/quatton/runbookgen/pkg/k8s"
	"github.com/quatton/runbookgen/pkg/kv"
	"github.com/quatton/runbookgen/pkg/qapi/config"
	"github.com/quatton/runbookgen/pkg/qapi/services/iam"
	"github.com/quatton/runbookgen/pkg/qapi/services/runbooks"
	"github.com/quatton/runbookgen/pkg/qart"
	"github.com/quatton/runbookgen/pkg/qlog"
	"github.com/quatton/runbookgen/pkg/qrunner"
)

type Services struct {
	IAM      *iam.IAMService
	Runbooks *runbooks.Service

	closers []func() error
}

// NewServices wires the runner, artifact store, kv store and index selected
// by cfg.
func NewServices(ctx context.Context, cfg *config.EnvConfig, logger *qlog.Logger) (*Services, error) {
	s := &Services{IAM: iam.NewIAMService(cfg.AuthSecret)}

	artifacts, err := NewArtifactStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var kvStore kv.Store = kv.NewMemoryStore()
	if cfg.ValkeyAddr != "" {
		valkey, err := kv.NewValkeyStore(ctx, kv.ValkeyConfig{
			Addr:     cfg.ValkeyAddr,
			Password: cfg.ValkeyPassword,
			DB:       cfg.ValkeyDB,
			Prefix:   "runbookd:",
		})
		if err != nil {
			return nil, err
		}
		kvStore = valkey
	}
	s.closers = append(s.closers, kvStore.Close)

	opts := []runbooks.Option{
		runbooks.WithKV(kvStore),
		runbooks.WithLogger(logger),
		runbooks.WithStatusCacheTTL(cfg.StatusCacheTTL),
	}

	if cfg.DBHost != "" {
		database, err := db.New(ctx, db.Config{
			Host:     cfg.DBHost,
			Port:     cfg.DBPort,
			User:     cfg.DBUser,
			Password: cfg.DBPassword,
			Database: cfg.DBName,
			SSLMode:  cfg.DBSSLMode,
			Debug:    cfg.LogLevel == "debug",
		})
		if err != nil {
			s.Close()
			return nil, err
		}
		s.closers = append(s.closers, database.Close)
		opts = append(opts, runbooks.WithIndex(db.NewRunbookRepo(database)))
	}

	runner, err := NewRunner(cfg, artifacts)
	if err != nil {
		s.Close()
		return nil, err
	}

	s.Runbooks = runbooks.NewService(runner, artifacts, opts...)
	return s, nil
}

// NewArtifactStore returns the S3 store when S3_ENDPOINT is set and a
// filesystem store otherwise.
func NewArtifactStore(ctx context.Context, cfg *config.EnvConfig) (qart.Store, error) {
	var store qart.Store
	if cfg.S3Endpoint != "" {
		s3, err := qart.NewS3Store(qart.S3Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
			Prefix:    cfg.S3Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create s3 store: %w", err)
		}
		store = s3
	} else {
		fs, err := qart.NewFSStore(cfg.ArtifactDir)
		if err != nil {
			return nil, err
		}
		store = fs
	}
	if err := store.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to prepare artifact store: %w", err)
	}
	return store, nil
}

// NewRunner builds the backend named by cfg.Backend.
func NewRunner(cfg *config.EnvConfig, artifacts qart.Store) (qrunner.Runner, error) {
	switch cfg.Backend {
	case "local":
		return qrunner.NewLocalRunner(cfg.LocalCommand, cfg.LocalArgs,
			qrunner.WithBaseDir(cfg.LocalBaseDir),
			qrunner.WithArtifactStore(artifacts),
		), nil
	case "k8s":
		client, err := k8s.NewClient(k8s.ClientConfig{
			Kubeconfig: cfg.K8sKubeconfig,
			Context:    cfg.K8sContext,
		})
		if err != nil {
			return nil, fmt.Errorf("creating k8s client: %w", err)
		}
		container := qrunner.DefaultContainerConfig()
		if cfg.K8sImage != "" {
			container.Image = cfg.K8sImage
		}
		container.ServiceAccount = cfg.K8sServiceAccount
		container.SecretEnvFrom = cfg.SecretEnvFrom()
		return qrunner.NewK8sRunner(client, cfg.K8sNamespace, artifacts,
			qrunner.WithQueue(cfg.K8sQueue),
			qrunner.WithContainer(container),
		), nil
	case "databricks":
		return qrunner.NewDatabricksRunner(cfg.DatabricksHost, cfg.DatabricksToken, cfg.DatabricksJobID,
			qrunner.WithDBFSRoot(cfg.DatabricksDBFSRoot),
		), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// Close releases connections held by the services.
func (s *Services) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	return errors.Join(errs...)
}

func EmptyServices() *Services {
	return &Services{
		IAM:      iam.NewIAMService(""),
		Runbooks: nil,
	}
}
