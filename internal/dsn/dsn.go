// Package dsn resolves the database connection string from the process
// environment or from AWS Secrets Manager.
package dsn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// DefaultEnvKey is read when no other key is configured.
const DefaultEnvKey = "DATABASE_URL"

const (
	SourceEnv = "env"
	SourceAWS = "aws"
)

var (
	ErrInvalidConfig = errors.New("dsn: invalid config")
	ErrNotFound      = errors.New("dsn: not found")
	ErrMalformed     = errors.New("dsn: malformed secret")
)

// Provider looks up a secret value by key.
type Provider interface {
	Get(ctx context.Context, key string) (string, error)
}

func NewProvider(ctx context.Context, source string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(source)) {
	case "", SourceEnv:
		return EnvProvider{}, nil
	case SourceAWS:
		return NewAWS(ctx)
	default:
		return nil, fmt.Errorf("%w: unsupported source %q", ErrInvalidConfig, source)
	}
}

// Resolve fetches key from p and returns a connection string pgx accepts.
// Plain values (URL or keyword/value) are returned as they are; a JSON
// secret in the RDS layout is assembled into a postgres:// URL.
func Resolve(ctx context.Context, p Provider, key string) (string, error) {
	if p == nil {
		return "", fmt.Errorf("%w: nil provider", ErrInvalidConfig)
	}
	if strings.TrimSpace(key) == "" {
		key = DefaultEnvKey
	}
	raw, err := p.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(raw, "{") {
		return raw, nil
	}
	return fromRDSSecret(raw)
}

type rdsSecret struct {
	Engine   string          `json:"engine"`
	Host     string          `json:"host"`
	Port     json.RawMessage `json:"port"`
	Username string          `json:"username"`
	Password string          `json:"password"`
	DBName   string          `json:"dbname"`
	SSLMode  string          `json:"sslmode"`
}

func fromRDSSecret(raw string) (string, error) {
	var s rdsSecret
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if s.Engine != "" && !strings.HasPrefix(s.Engine, "postgres") {
		return "", fmt.Errorf("%w: engine %q is not postgres", ErrMalformed, s.Engine)
	}
	if s.Host == "" || s.Username == "" {
		return "", fmt.Errorf("%w: host and username are required", ErrMalformed)
	}

	port := 5432
	if p := strings.Trim(string(s.Port), `"`); p != "" && p != "null" {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			return "", fmt.Errorf("%w: port %s", ErrMalformed, s.Port)
		}
		port = n
	}

	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(s.Username, s.Password),
		Host:   net.JoinHostPort(s.Host, strconv.Itoa(port)),
		Path:   "/" + s.DBName,
	}
	if s.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {s.SSLMode}}.Encode()
	}
	return u.String(), nil
}

type secretsClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type AWSProvider struct {
	client secretsClient
}

func NewAWS(ctx context.Context) (*AWSProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", ErrInvalidConfig, err)
	}
	return newAWSWithClient(secretsmanager.NewFromConfig(cfg))
}

func newAWSWithClient(client secretsClient) (*AWSProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil secretsmanager client", ErrInvalidConfig)
	}
	return &AWSProvider{client: client}, nil
}

func (p *AWSProvider) Get(ctx context.Context, key string) (string, error) {
	if p == nil || p.client == nil {
		return "", fmt.Errorf("%w: nil aws provider", ErrInvalidConfig)
	}
	key = strings.TrimSpace(key)
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &key})
	if err != nil {
		return "", fmt.Errorf("dsn: get secret %q: %w", key, err)
	}
	if out.SecretString != nil {
		if v := strings.TrimSpace(*out.SecretString); v != "" {
			return v, nil
		}
	}
	if len(out.SecretBinary) > 0 {
		return strings.TrimSpace(string(out.SecretBinary)), nil
	}
	return "", fmt.Errorf("%w: secret %q has no value", ErrNotFound, key)
}

// EnvProvider reads the process environment.
type EnvProvider struct{}

func (EnvProvider) Get(_ context.Context, key string) (string, error) {
	key = strings.TrimSpace(key)
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return "", fmt.Errorf("%w: env %s is empty, please check your environment", ErrNotFound, key)
	}
	return v, nil
}
