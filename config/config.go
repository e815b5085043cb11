// Package config loads and validates the launcher configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/drover-io/drover/cluster"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "5s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// RolePlan configures the resource group of one role.
type RolePlan struct {
	AMIID        string `yaml:"amiId"`
	InstanceType string `yaml:"instanceType"`
	HeapSize     string `yaml:"heapSize"`
	JVMArgs      string `yaml:"jvmArgs"`
	MinCount     int    `yaml:"minCount"`
	MaxCount     int    `yaml:"maxCount"`
	DesiredCount int    `yaml:"desiredCount"`
}

func (p RolePlan) ToPlan() cluster.Plan {
	return cluster.Plan{
		AMIID:        p.AMIID,
		InstanceType: p.InstanceType,
		HeapSize:     p.HeapSize,
		JVMArgs:      p.JVMArgs,
		MinCount:     p.MinCount,
		MaxCount:     p.MaxCount,
		DesiredCount: p.DesiredCount,
	}
}

type CoordinationConfig struct {
	Endpoint string `yaml:"endpoint"`
}

type ReadinessConfig struct {
	Interval Duration `yaml:"interval"`
	Timeout  Duration `yaml:"timeout"`
}

type StatusConfig struct {
	ListenAddr string `yaml:"listenAddr"`
}

type EmailConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
}

// Config is the launcher configuration. One plan per role; plans are
// immutable once loaded.
type Config struct {
	ClusterName  string             `yaml:"clusterName"`
	Backend      string             `yaml:"backend"`
	Region       string             `yaml:"region"`
	WorkDirRoot  string             `yaml:"workDirRoot"`
	NFSParentDir string             `yaml:"nfsParentDir"`
	LogRootDir   string             `yaml:"logRootDir"`
	Coordination CoordinationConfig `yaml:"coordination"`
	Master       RolePlan           `yaml:"master"`
	Worker       RolePlan           `yaml:"worker"`
	Readiness    ReadinessConfig    `yaml:"readiness"`
	HaltTimeout  Duration           `yaml:"haltTimeout"`
	Status       StatusConfig       `yaml:"status"`
	Email        EmailConfig        `yaml:"email"`
}

// Load reads, defaults, and validates the config at the given path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config file %q: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Backend == "" {
		c.Backend = "aws"
	}
	if c.WorkDirRoot == "" {
		c.WorkDirRoot = "/var/lib/drover"
	}
	if c.NFSParentDir == "" {
		c.NFSParentDir = "/home/ec2-user"
	}
	if c.LogRootDir == "" {
		c.LogRootDir = "/var/log/drover"
	}
	if c.Readiness.Interval == 0 {
		c.Readiness.Interval = Duration(5 * time.Second)
	}
	if c.Readiness.Timeout == 0 {
		c.Readiness.Timeout = Duration(10 * time.Minute)
	}
	if c.HaltTimeout == 0 {
		c.HaltTimeout = Duration(5 * time.Minute)
	}
	// Single-master until there is a solid multi-master story.
	if c.Master.MinCount == 0 && c.Master.MaxCount == 0 && c.Master.DesiredCount == 0 {
		c.Master.MinCount = 1
		c.Master.MaxCount = 1
		c.Master.DesiredCount = 1
	}
	if c.Email.Enabled && c.Email.Port == 0 {
		c.Email.Port = 25
	}
}

func (c *Config) validate() error {
	if c.ClusterName == "" {
		return fmt.Errorf("clusterName is required")
	}
	if c.Backend != "aws" && c.Backend != "docker" {
		return fmt.Errorf("unsupported backend %q, must be aws or docker", c.Backend)
	}
	if c.Backend == "aws" && c.Region == "" {
		return fmt.Errorf("region is required for the aws backend")
	}
	if c.Coordination.Endpoint == "" {
		return fmt.Errorf("coordination.endpoint is required")
	}
	if err := validatePlan("master", c.Master); err != nil {
		return err
	}
	if err := validatePlan("worker", c.Worker); err != nil {
		return err
	}
	if c.Email.Enabled {
		if c.Email.Host == "" || c.Email.From == "" || len(c.Email.To) == 0 {
			return fmt.Errorf("email.host, email.from, and email.to are required when email is enabled")
		}
	}
	return nil
}

func validatePlan(role string, p RolePlan) error {
	if p.DesiredCount < 1 {
		return fmt.Errorf("%s.desiredCount must be at least 1", role)
	}
	if p.MinCount > p.DesiredCount || p.DesiredCount > p.MaxCount {
		return fmt.Errorf("%s counts must satisfy min <= desired <= max, got %d/%d/%d",
			role, p.MinCount, p.DesiredCount, p.MaxCount)
	}
	return nil
}
