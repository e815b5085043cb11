package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "drover.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

const minimalConfig = `
clusterName: ingest
region: us-east-1
coordination:
  endpoint: http://coord.internal:8100
master:
  instanceType: m5.large
  heapSize: 4G
worker:
  instanceType: m5.xlarge
  heapSize: 8G
  minCount: 2
  maxCount: 5
  desiredCount: 3
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "aws", cfg.Backend)
	assert.Equal(t, "/var/lib/drover", cfg.WorkDirRoot)
	assert.Equal(t, "/home/ec2-user", cfg.NFSParentDir)
	assert.Equal(t, 5*time.Second, cfg.Readiness.Interval.Std())
	assert.Equal(t, 10*time.Minute, cfg.Readiness.Timeout.Std())
	assert.Equal(t, 5*time.Minute, cfg.HaltTimeout.Std())

	assert.Equal(t, 1, cfg.Master.MinCount)
	assert.Equal(t, 1, cfg.Master.MaxCount)
	assert.Equal(t, 1, cfg.Master.DesiredCount)
}

func TestLoadParsesDurations(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
readiness:
  interval: 2s
  timeout: 30s
haltTimeout: 1m
`))
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.Readiness.Interval.Std())
	assert.Equal(t, 30*time.Second, cfg.Readiness.Timeout.Std())
	assert.Equal(t, time.Minute, cfg.HaltTimeout.Std())
}

func TestLoadRejectsMissingClusterName(t *testing.T) {
	_, err := Load(writeConfig(t, `
region: us-east-1
coordination:
  endpoint: http://coord.internal:8100
worker:
  desiredCount: 1
  maxCount: 1
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "clusterName")
}

func TestLoadRejectsInconsistentCounts(t *testing.T) {
	_, err := Load(writeConfig(t, `
clusterName: ingest
region: us-east-1
coordination:
  endpoint: http://coord.internal:8100
worker:
  minCount: 4
  maxCount: 5
  desiredCount: 3
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker counts")
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+`
backend: gcp
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported backend")
}

func TestLoadRequiresRegionForAWS(t *testing.T) {
	_, err := Load(writeConfig(t, `
clusterName: ingest
coordination:
  endpoint: http://coord.internal:8100
worker:
  maxCount: 1
  desiredCount: 1
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "region")
}

func TestLoadEmailValidation(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+`
email:
  enabled: true
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "email")
}

func TestToPlan(t *testing.T) {
	p := RolePlan{
		AMIID:        "ami-123",
		InstanceType: "m5.large",
		HeapSize:     "4G",
		MinCount:     1,
		MaxCount:     2,
		DesiredCount: 2,
	}.ToPlan()
	assert.Equal(t, "ami-123", p.AMIID)
	assert.Equal(t, "m5.large", p.InstanceType)
	assert.Equal(t, 2, p.DesiredCount)
}
