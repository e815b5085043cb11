package cluster

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSequencer(backend *fakeBackend) *Sequencer {
	return NewSequencer(backend, "ingest").WithLogger(testLog)
}

func TestProvisionMasterStepOrder(t *testing.T) {
	backend := newFakeBackend()
	seq := newTestSequencer(backend)

	res, err := seq.ProvisionRole(context.Background(), ProvisionRequest{
		Role:          RoleMaster,
		Plan:          Plan{AMIID: "ami-1", InstanceType: "m5.large", HeapSize: "4G", MinCount: 1, MaxCount: 1, DesiredCount: 1},
		ClusterID:     "abc",
		KeyName:       "drover-key-abc",
		SecurityGroup: "sg-1",
	})
	require.NoError(t, err)

	assert.Equal(t, "drover-master-lt-abc", res.LaunchTemplateName)
	assert.Equal(t, "drover-master-asg-abc", res.GroupName)
	require.Equal(t, []string{
		"CreateLaunchTemplate:drover-master-lt-abc",
		"CreateAutoscalingGroup:drover-master-asg-abc",
	}, backend.callLog(), "launch template must precede the autoscaling group")

	require.Len(t, backend.groups, 1)
	assert.Equal(t, "drover:master", backend.groups[0].TagKey)
	assert.Equal(t, "abc", backend.groups[0].TagValue)
	assert.Equal(t, "drover-master-lt-abc", backend.groups[0].LaunchTemplateName)
}

func TestMasterBootScript(t *testing.T) {
	backend := newFakeBackend()
	seq := newTestSequencer(backend)

	_, err := seq.ProvisionRole(context.Background(), ProvisionRequest{
		Role:      RoleMaster,
		Plan:      Plan{AMIID: "ami-1", InstanceType: "m5.large", HeapSize: "4G", JVMArgs: "-XX:+UseG1GC"},
		ClusterID: "abc",
	})
	require.NoError(t, err)

	require.Len(t, backend.templates, 1)
	script := backend.templates[0].UserData
	assert.Contains(t, script, "/home/ec2-user/ingest *(rw,sync,no_subtree_check,fsid=1,no_root_squash)")
	assert.Contains(t, script, "exportfs -a")
	assert.Contains(t, script, "mkdir -p /home/ec2-user/ingest/work")
	assert.Contains(t, script, "java -Xmx4G -XX:+UseG1GC")
	assert.Contains(t, script, "--cluster-name ingest")
	assert.Contains(t, script, "ClusterMaster.stdout")
	assert.NotContains(t, script, "--worker-id")
}

func TestWorkerBootScriptMountsMasterExport(t *testing.T) {
	backend := newFakeBackend()
	seq := newTestSequencer(backend)

	_, err := seq.ProvisionRole(context.Background(), ProvisionRequest{
		Role:          RoleWorker,
		Plan:          Plan{AMIID: "ami-2", InstanceType: "c5.xlarge", HeapSize: "8G"},
		ClusterID:     "abc",
		MasterAddress: "203.0.113.7",
	})
	require.NoError(t, err)

	require.Len(t, backend.templates, 1)
	script := backend.templates[0].UserData
	assert.Contains(t, script, "mount -t nfs4 203.0.113.7:/home/ec2-user/ingest /home/ec2-user/ingest")
	assert.Contains(t, script, "--cluster-name ingest")
	assert.Contains(t, script, "--worker-id 1")
}

func TestWorkerIDsIncreaseMonotonically(t *testing.T) {
	backend := newFakeBackend()
	seq := newTestSequencer(backend)

	for i := 1; i <= 3; i++ {
		_, err := seq.ProvisionRole(context.Background(), ProvisionRequest{
			Role:          RoleWorker,
			Plan:          Plan{HeapSize: "8G"},
			ClusterID:     "abc",
			MasterAddress: "203.0.113.7",
		})
		require.NoError(t, err)
	}

	var ids []string
	for _, tmpl := range backend.templates {
		for _, line := range strings.Split(tmpl.UserData, "\n") {
			if idx := strings.Index(line, "--worker-id "); idx >= 0 {
				ids = append(ids, strings.Fields(line[idx:])[1])
			}
		}
	}
	assert.Equal(t, []string{"1", "2", "3"}, ids)
}

func TestWorkerRequiresMasterAddress(t *testing.T) {
	backend := newFakeBackend()
	seq := newTestSequencer(backend)

	_, err := seq.ProvisionRole(context.Background(), ProvisionRequest{
		Role:      RoleWorker,
		Plan:      Plan{HeapSize: "8G"},
		ClusterID: "abc",
	})
	var provErr *ProvisioningError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, "build-boot-script", provErr.Step)
	assert.Empty(t, backend.callLog(), "no resources may be created without the master address")
}

func TestProvisioningFailureAbortsSequence(t *testing.T) {
	backend := newFakeBackend()
	backend.failOn = "CreateLaunchTemplate:drover-master-lt-abc"
	seq := newTestSequencer(backend)

	_, err := seq.ProvisionRole(context.Background(), ProvisionRequest{
		Role:      RoleMaster,
		Plan:      Plan{HeapSize: "4G"},
		ClusterID: "abc",
	})
	var provErr *ProvisioningError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, "create-launch-template", provErr.Step)
	assert.Equal(t, RoleMaster, provErr.Role)
	assert.Empty(t, backend.groups, "the group step must not run after a template failure")
}
