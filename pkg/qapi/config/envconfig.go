package config

import (
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type EnvConfig struct {
	Port        string `envconfig:"PORT" default:"8080"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	AuthSecret  string `envconfig:"AUTH_SECRET"`

	// Backend selects the runner: local, k8s or databricks.
	Backend string `envconfig:"BACKEND" default:"local"`

	LocalCommand string   `envconfig:"LOCAL_COMMAND"`
	LocalArgs    []string `envconfig:"LOCAL_ARGS"`
	LocalBaseDir string   `envconfig:"LOCAL_BASE_DIR" default:"."`

	K8sKubeconfig     string `envconfig:"KUBECONFIG"`
	K8sContext        string `envconfig:"K8S_CONTEXT"`
	K8sNamespace      string `envconfig:"K8S_NAMESPACE" default:"runbookgen"`
	K8sQueue          string `envconfig:"K8S_QUEUE"`
	K8sImage          string `envconfig:"K8S_IMAGE"`
	K8sServiceAccount string `envconfig:"K8S_SERVICE_ACCOUNT"`
	K8sSecretEnvFrom  string `envconfig:"K8S_SECRET_ENV_FROM"`

	DatabricksHost     string `envconfig:"DATABRICKS_HOST"`
	DatabricksToken    string `envconfig:"DATABRICKS_TOKEN"`
	DatabricksJobID    int64  `envconfig:"DATABRICKS_JOB_ID"`
	DatabricksDBFSRoot string `envconfig:"DATABRICKS_DBFS_ROOT" default:"/dbfs/tmp/ps_ai_runbook_gen"`

	// ArtifactDir is used when S3_ENDPOINT is empty.
	ArtifactDir string `envconfig:"ARTIFACT_DIR" default:"./data_storage"`
	S3Endpoint  string `envconfig:"S3_ENDPOINT"`
	S3AccessKey string `envconfig:"S3_ACCESS_KEY"`
	S3SecretKey string `envconfig:"S3_SECRET_KEY"`
	S3Bucket    string `envconfig:"S3_BUCKET" default:"runbooks"`
	S3Region    string `envconfig:"S3_REGION" default:"us-east-1"`
	S3UseSSL    bool   `envconfig:"S3_USE_SSL" default:"false"`
	S3Prefix    string `envconfig:"S3_PREFIX"`

	// Without VALKEY_ADDR an in-memory store is used.
	ValkeyAddr     string `envconfig:"VALKEY_ADDR"`
	ValkeyPassword string `envconfig:"VALKEY_PASSWORD"`
	ValkeyDB       int    `envconfig:"VALKEY_DB" default:"0"`

	// Without DB_HOST the runbook index lives in the artifact store.
	DBHost     string `envconfig:"DB_HOST"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" default:"runbook"`
	DBPassword string `envconfig:"DB_PASSWORD" default:"password"`
	DBName     string `envconfig:"DB_NAME" default:"runbook"`
	DBSSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`

	StatusCacheTTL time.Duration `envconfig:"STATUS_CACHE_TTL" default:"10m"`
}

var backends = []string{"local", "k8s", "databricks"}

func (c *EnvConfig) IsDev() bool {
	return c.Environment == "development"
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

// ValidateEnv loads the configuration from the environment, reading .env
// first outside production.
func ValidateEnv() (*EnvConfig, error) {
	if env := strings.ToLower(strings.TrimSpace(envOr("ENVIRONMENT", "development"))); env == "development" {
		if err := godotenv.Load(); err != nil {
			log.Println("ℹ No .env file found")
		} else {
			log.Println("✓ Loaded .env file")
		}
	}

	var cfg EnvConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every problem at once.
func (c *EnvConfig) Validate() error {
	var errors []string

	if c.AuthSecret != "" && len(c.AuthSecret) < 32 {
		errors = append(errors, "  ❌ AUTH_SECRET must be at least 32 characters")
	}

	switch c.Backend {
	case "local":
		if c.LocalCommand == "" {
			errors = append(errors, "  ❌ LOCAL_COMMAND is required for the local backend")
		}
	case "k8s":
		if c.S3Endpoint == "" {
			errors = append(errors, "  ❌ S3_ENDPOINT is required for the k8s backend (pipeline pods upload there)")
		}
	case "databricks":
		if c.DatabricksHost == "" || c.DatabricksToken == "" {
			errors = append(errors, "  ❌ DATABRICKS_HOST and DATABRICKS_TOKEN are required for the databricks backend")
		}
		if c.DatabricksJobID == 0 {
			errors = append(errors, "  ❌ DATABRICKS_JOB_ID is required for the databricks backend")
		}
	default:
		errors = append(errors, fmt.Sprintf("  ❌ BACKEND must be one of %s", strings.Join(backends, ", ")))
	}

	if c.S3Endpoint != "" && (c.S3AccessKey == "" || c.S3SecretKey == "") {
		errors = append(errors, "  ❌ S3_ACCESS_KEY and S3_SECRET_KEY are required when S3_ENDPOINT is set")
	}

	if len(errors) > 0 {
		return fmt.Errorf("environment validation failed:\n%s", strings.Join(errors, "\n"))
	}
	return nil
}

// SecretEnvFrom splits K8S_SECRET_ENV_FROM on commas.
func (c *EnvConfig) SecretEnvFrom() []string {
	var out []string
	for _, s := range strings.Split(c.K8sSecretEnvFrom, ",") {
		if s = strings.TrimSpace(s); s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

func MaskSecret(secret string) string {
	if secret == "" {
		return "<not set>"
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}

func (c *EnvConfig) Print(fmtr func(string, ...interface{})) {
	fmtr("📋 Configuration:\n")
	fmtr("  Environment: %s\n", c.Environment)
	fmtr("  Port: %s\n", c.Port)
	fmtr("  Backend: %s\n", c.Backend)

	if c.AuthSecret != "" {
		fmtr("  Auth: ✓ Enabled (secret %s)\n", MaskSecret(c.AuthSecret))
	} else {
		fmtr("  Auth: ✗ Disabled\n")
	}

	switch c.Backend {
	case "local":
		fmtr("  Local command: %s %s\n", c.LocalCommand, strings.Join(c.LocalArgs, " "))
	case "k8s":
		fmtr("  Kubernetes: namespace=%s queue=%s image=%s\n", c.K8sNamespace, c.K8sQueue, c.K8sImage)
	case "databricks":
		fmtr("  Databricks: %s job=%d token=%s\n", c.DatabricksHost, c.DatabricksJobID, MaskSecret(c.DatabricksToken))
	}

	if c.S3Endpoint != "" {
		fmtr("  Artifacts: s3://%s at %s (key %s)\n", c.S3Bucket, c.S3Endpoint, MaskSecret(c.S3AccessKey))
	} else {
		fmtr("  Artifacts: %s\n", c.ArtifactDir)
	}

	if c.ValkeyAddr != "" {
		fmtr("  Valkey: %s/%d\n", c.ValkeyAddr, c.ValkeyDB)
	} else {
		fmtr("  Valkey: ✗ in-memory\n")
	}

	if c.DBHost != "" {
		fmtr("  Database: %s@%s:%d/%s (sslmode=%s)\n", c.DBUser, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
	} else {
		fmtr("  Database: ✗ artifact-store index\n")
	}
}
