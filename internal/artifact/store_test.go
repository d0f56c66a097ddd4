package artifact

import (
	"strings"
	"testing"
)

func TestConfigValidate(t *testing.T) {
	valid := Config{
		Endpoint:  "localhost:9000",
		AccessKey: "trainwatch",
		SecretKey: "trainwatchminio",
		Bucket:    "models",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing endpoint", func(c *Config) { c.Endpoint = "" }},
		{"endpoint with scheme", func(c *Config) { c.Endpoint = "http://localhost:9000" }},
		{"missing access key", func(c *Config) { c.AccessKey = "" }},
		{"missing secret key", func(c *Config) { c.SecretKey = "" }},
		{"missing bucket", func(c *Config) { c.Bucket = "" }},
	}
	for _, tc := range cases {
		cfg := valid
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestConfigFromEnvDefaults(t *testing.T) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv: %v", err)
	}
	if cfg.Endpoint != "localhost:9000" || cfg.Bucket != "models" {
		t.Fatalf("defaults=%+v", cfg)
	}
}

func TestObjectKeys(t *testing.T) {
	if got := modelKey("job-1"); got != "jobs/job-1/model.pkl" {
		t.Fatalf("modelKey=%q", got)
	}
	if got := logKey("job-1"); !strings.HasPrefix(got, "jobs/job-1/train-") || !strings.HasSuffix(got, ".log") {
		t.Fatalf("logKey=%q", got)
	}
}
