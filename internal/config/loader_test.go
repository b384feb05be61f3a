package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

// fakeEnv is a synthetic environment for exercising the loader without
// touching process state. Note: envconfig.Process still reads the real OS
// environment, so loader tests that go through envconfig set required values
// via t.Setenv instead.
type fakeEnv struct {
	vars map[string]string
}

func (f *fakeEnv) deps() loaderDeps {
	return loaderDeps{
		lookupEnv: func(key string) (string, bool) {
			v, ok := f.vars[key]
			return v, ok
		},
		setEnv: func(key, value string) error {
			f.vars[key] = value
			return nil
		},
		environ: func() []string {
			out := make([]string, 0, len(f.vars))
			for k, v := range f.vars {
				out = append(out, k+"="+v)
			}
			return out
		},
	}
}

// fakeProvider resolves from a fixed map and records requested keys.
type fakeProvider struct {
	values    map[string]string
	err       error
	requested []string
}

func (p *fakeProvider) GetParametersBatch(_ context.Context, keys []string) (map[string]string, error) {
	p.requested = append(p.requested, keys...)
	if p.err != nil {
		return nil, p.err
	}
	out := make(map[string]string)
	for _, k := range keys {
		if v, ok := p.values[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("APP_ENV", "local")
	t.Setenv("QUEUE_NAME", "uw-contracts-parser-dev-sqs")
	t.Setenv("WEBHOOK_INGEST_TOKEN_HASH", "$2a$10$examplehashexamplehashexampleha")
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig(nil)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Environment != "local" {
		t.Errorf("Environment = %q", cfg.Environment)
	}
	if cfg.Server.Port != "8080" {
		t.Errorf("default port = %q", cfg.Server.Port)
	}
	if cfg.Queue.Backend != "sqs" {
		t.Errorf("default queue backend = %q", cfg.Queue.Backend)
	}
	if cfg.Worker.Concurrency != 4 {
		t.Errorf("default worker concurrency = %d", cfg.Worker.Concurrency)
	}
	if cfg.Lookup.Timeout != 5*time.Second {
		t.Errorf("default lookup timeout = %v", cfg.Lookup.Timeout)
	}
	if time.Local != time.UTC {
		t.Error("loader must pin the process to UTC")
	}
}

func TestLoadConfigRejectsInvalidEnvironment(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("APP_ENV", "production") // not one of local|dev|staging|prod

	_, err := LoadConfig(nil)
	if err == nil {
		t.Fatal("expected validation error")
	}
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %T", err)
	}
	if cfgErr.Type != ErrValidation {
		t.Errorf("error type = %s, want %s", cfgErr.Type, ErrValidation)
	}
}

func TestLoadConfigRequiresQueueName(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("QUEUE_NAME", "")

	if _, err := LoadConfig(nil); err == nil {
		t.Fatal("expected validation error for missing queue name")
	}
}

func TestResolveSSMParamsInjectsSecrets(t *testing.T) {
	env := &fakeEnv{vars: map[string]string{
		"WEBHOOK_INGEST_TOKEN_HASH_SSM_PARAM": "/dev/contractflow/webhook/token-hash",
		"DATABASE_URL_SSM_PARAM":              "/dev/contractflow/database/url",
	}}
	provider := &fakeProvider{values: map[string]string{
		"/dev/contractflow/webhook/token-hash": "hash-value",
		"/dev/contractflow/database/url":       "postgres://u:p@host/db",
	}}

	if err := resolveSSMParams(provider, env.deps()); err != nil {
		t.Fatalf("resolveSSMParams failed: %v", err)
	}

	if env.vars["WEBHOOK_INGEST_TOKEN_HASH"] != "hash-value" {
		t.Errorf("token hash not injected: %q", env.vars["WEBHOOK_INGEST_TOKEN_HASH"])
	}
	if env.vars["DATABASE_URL"] != "postgres://u:p@host/db" {
		t.Errorf("database url not injected: %q", env.vars["DATABASE_URL"])
	}
}

func TestResolveSSMParamsEnvWinsOverSSM(t *testing.T) {
	env := &fakeEnv{vars: map[string]string{
		"DATABASE_URL":           "postgres://direct",
		"DATABASE_URL_SSM_PARAM": "/dev/contractflow/database/url",
	}}
	provider := &fakeProvider{values: map[string]string{
		"/dev/contractflow/database/url": "postgres://from-ssm",
	}}

	if err := resolveSSMParams(provider, env.deps()); err != nil {
		t.Fatalf("resolveSSMParams failed: %v", err)
	}

	if env.vars["DATABASE_URL"] != "postgres://direct" {
		t.Errorf("direct env value must win, got %q", env.vars["DATABASE_URL"])
	}
	if len(provider.requested) != 0 {
		t.Errorf("already-set targets must not hit SSM, requested %v", provider.requested)
	}
}

func TestResolveSSMParamsMissingProvider(t *testing.T) {
	env := &fakeEnv{vars: map[string]string{
		"DATABASE_URL_SSM_PARAM": "/dev/contractflow/database/url",
	}}

	err := resolveSSMParams(nil, env.deps())
	if err == nil {
		t.Fatal("expected error when provider is nil with pending SSM params")
	}
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) || cfgErr.Type != ErrSSMResolution {
		t.Fatalf("expected SSM resolution ConfigError, got %v", err)
	}
	if !strings.Contains(cfgErr.Message, "DATABASE_URL") {
		t.Errorf("error should name the unresolved variable: %s", cfgErr.Message)
	}
}

func TestResolveSSMParamsReportsUnresolved(t *testing.T) {
	env := &fakeEnv{vars: map[string]string{
		"DATABASE_URL_SSM_PARAM": "/dev/contractflow/database/url",
	}}
	provider := &fakeProvider{values: map[string]string{}} // resolves nothing

	err := resolveSSMParams(provider, env.deps())
	if err == nil {
		t.Fatal("expected error for unresolved SSM parameter")
	}
	if !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Errorf("error should name the missing variable: %v", err)
	}
}

func TestResolveSSMParamsProviderFailure(t *testing.T) {
	env := &fakeEnv{vars: map[string]string{
		"DATABASE_URL_SSM_PARAM": "/dev/contractflow/database/url",
	}}
	provider := &fakeProvider{err: fmt.Errorf("ssm throttled")}

	err := resolveSSMParams(provider, env.deps())
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) || cfgErr.Type != ErrSSMResolution {
		t.Fatalf("expected SSM resolution ConfigError, got %v", err)
	}
}

func TestConfigErrorFormatting(t *testing.T) {
	base := errors.New("boom")
	err := &ConfigError{Type: ErrParsing, Message: "bad value", Err: base}

	if !strings.Contains(err.Error(), "PARSING_FAILED") || !strings.Contains(err.Error(), "boom") {
		t.Errorf("unexpected format: %s", err.Error())
	}
	if !errors.Is(err, base) {
		t.Error("Unwrap must expose the underlying error")
	}
}
