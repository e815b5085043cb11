// Package cluster implements the lifecycle of a drover compute cluster:
// deciding whether to reconnect to a live cluster or provision a new one,
// sequencing the cloud resources for the master and worker roles, waiting
// for the master to become ready, and coordinating shutdown and cleanup.
package cluster

import "context"

// Role identifies a logical group of instances sharing a boot script and
// resource group.
type Role string

const (
	RoleMaster Role = "master"
	RoleWorker Role = "worker"
)

// InstanceStateRunning is the instance state that satisfies readiness.
const InstanceStateRunning = "running"

// Identity names a cluster. Name is operator-supplied and stable across
// launcher restarts; ID is assigned when provisioning succeeds or a live
// cluster is rediscovered, and is the reconnect key.
type Identity struct {
	Name string
	ID   string
}

// Plan describes how to provision one role's resource group.
// A plan is immutable once loaded.
type Plan struct {
	AMIID        string
	InstanceType string
	HeapSize     string
	JVMArgs      string
	MinCount     int
	MaxCount     int
	DesiredCount int
}

// InstanceDescriptor is a point-in-time view of a single cloud instance.
type InstanceDescriptor struct {
	ID            string
	PublicAddress string
	State         string
}

// RoleLaunchResult describes the resources created for one role.
type RoleLaunchResult struct {
	LaunchTemplateName string
	GroupName          string
	Instances          []InstanceDescriptor
}

// LaunchTemplateRequest describes a launch template to create.
type LaunchTemplateRequest struct {
	Name          string
	AMIID         string
	InstanceType  string
	KeyName       string
	SecurityGroup string
	UserData      string
}

// AutoscalingGroupRequest describes a resource group to create from a
// previously created launch template.
type AutoscalingGroupRequest struct {
	Name               string
	LaunchTemplateName string
	MinCount           int
	MaxCount           int
	DesiredCount       int
	TagKey             string
	TagValue           string
}

// Backend provisions cloud resources. Implementations own idempotency and
// retry semantics; callers treat each call as a single blocking round trip.
type Backend interface {
	CreateSecurityGroup(ctx context.Context, name, description string) (string, error)
	AddIngressRule(ctx context.Context, securityGroup, cidr, protocol string, fromPort, toPort int64) error
	CreateKeyPair(ctx context.Context, name string) (string, error)
	CreateLaunchTemplate(ctx context.Context, req LaunchTemplateRequest) error
	CreateAutoscalingGroup(ctx context.Context, req AutoscalingGroupRequest) error

	// ListInstances returns the instances of the named group currently in the
	// given state.
	ListInstances(ctx context.Context, groupName, stateFilter string) ([]InstanceDescriptor, error)
}

// Service is an auxiliary in-process service started alongside the launcher
// and stopped with a bounded wait during shutdown.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}
