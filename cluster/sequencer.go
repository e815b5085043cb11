package cluster

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sync/atomic"
	"text/template"

	"go.uber.org/zap"
)

// The master exports its application root over NFS so workers share one
// filesystem. The master is a SPOF for the share until it moves to a managed
// network filesystem.
const masterUserDataTemplate = `#!/bin/bash
sudo yum install -y nfs-utils nfs-utils-lib
mkdir -p {{.AppRootDir}}
echo '{{.AppRootDir}} *(rw,sync,no_subtree_check,fsid=1,no_root_squash)' | sudo tee --append /etc/exports
sudo systemctl start nfs-server
sudo exportfs -a
mkdir -p {{.LogDir}}
mkdir -p {{.WorkDir}}
java -Xmx{{.HeapSize}}{{if .JVMArgs}} {{.JVMArgs}}{{end}} -cp '/opt/drover/lib/*' {{.Main}} --cluster-name {{.ClusterName}} 1>{{.LogDir}}/{{.Main}}.stdout 2>{{.LogDir}}/{{.Main}}.stderr
`

const workerUserDataTemplate = `#!/bin/bash
mkdir -p {{.AppRootDir}}
sudo mount -t nfs4 {{.MasterAddress}}:{{.AppRootDir}} {{.AppRootDir}}
mkdir -p {{.LogDir}}
java -Xmx{{.HeapSize}}{{if .JVMArgs}} {{.JVMArgs}}{{end}} -cp '/opt/drover/lib/*' {{.Main}} --cluster-name {{.ClusterName}} --worker-id {{.WorkerID}} 1>{{.LogDir}}/{{.Main}}-{{.WorkerID}}.stdout 2>{{.LogDir}}/{{.Main}}-{{.WorkerID}}.stderr
`

var (
	masterTmpl = template.Must(template.New("master").Parse(masterUserDataTemplate))
	workerTmpl = template.Must(template.New("worker").Parse(workerUserDataTemplate))
)

// Sequencer builds and submits the ordered resource-creation steps for one
// role: launch template first, then the autoscaling group referencing it.
// It never reorders steps and never rolls back resources it already created.
type Sequencer struct {
	Backend      Backend
	ClusterName  string
	NFSParentDir string
	LogRootDir   string
	MasterMain   string
	WorkerMain   string

	log *zap.SugaredLogger

	// Worker ids are unique within this launcher process only, not across
	// launcher restarts.
	workerIDs atomic.Int64
}

// NewSequencer builds a sequencer over the given provisioning backend.
func NewSequencer(backend Backend, clusterName string) *Sequencer {
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	return &Sequencer{
		Backend:      backend,
		ClusterName:  clusterName,
		NFSParentDir: "/home/ec2-user",
		LogRootDir:   "/var/log/drover",
		MasterMain:   "ClusterMaster",
		WorkerMain:   "ClusterWorker",
		log:          l.Sugar().Named("sequencer"),
	}
}

func (s *Sequencer) WithLogger(l *zap.SugaredLogger) *Sequencer {
	s.log = l.Named("sequencer")
	return s
}

// ProvisionRequest carries the per-launch inputs for provisioning one role.
type ProvisionRequest struct {
	Role          Role
	Plan          Plan
	ClusterID     string
	KeyName       string
	SecurityGroup string

	// MasterAddress is the master's resolved public address. Required for the
	// worker role, whose boot script mounts the master's NFS export.
	MasterAddress string
}

// ProvisionRole creates the launch template and autoscaling group for one
// role. Any step failure aborts the sequence and reports the failing step.
func (s *Sequencer) ProvisionRole(ctx context.Context, req ProvisionRequest) (*RoleLaunchResult, error) {
	userData, err := s.buildUserData(req)
	if err != nil {
		return nil, &ProvisioningError{Role: req.Role, Step: "build-boot-script", Err: err}
	}

	templateName := fmt.Sprintf("drover-%s-lt-%s", req.Role, req.ClusterID)
	err = s.Backend.CreateLaunchTemplate(ctx, LaunchTemplateRequest{
		Name:          templateName,
		AMIID:         req.Plan.AMIID,
		InstanceType:  req.Plan.InstanceType,
		KeyName:       req.KeyName,
		SecurityGroup: req.SecurityGroup,
		UserData:      userData,
	})
	if err != nil {
		return nil, &ProvisioningError{Role: req.Role, Step: "create-launch-template", Err: err}
	}
	s.log.Infow("created launch template", "role", req.Role, "name", templateName)

	groupName := fmt.Sprintf("drover-%s-asg-%s", req.Role, req.ClusterID)
	err = s.Backend.CreateAutoscalingGroup(ctx, AutoscalingGroupRequest{
		Name:               groupName,
		LaunchTemplateName: templateName,
		MinCount:           req.Plan.MinCount,
		MaxCount:           req.Plan.MaxCount,
		DesiredCount:       req.Plan.DesiredCount,
		TagKey:             "drover:" + string(req.Role),
		TagValue:           req.ClusterID,
	})
	if err != nil {
		return nil, &ProvisioningError{Role: req.Role, Step: "create-autoscaling-group", Err: err}
	}
	s.log.Infow("created autoscaling group", "role", req.Role, "name", groupName,
		"min", req.Plan.MinCount, "max", req.Plan.MaxCount, "desired", req.Plan.DesiredCount)

	return &RoleLaunchResult{
		LaunchTemplateName: templateName,
		GroupName:          groupName,
	}, nil
}

func (s *Sequencer) appRootDir() string {
	return path.Join(s.NFSParentDir, s.ClusterName)
}

func (s *Sequencer) buildUserData(req ProvisionRequest) (string, error) {
	logDir := path.Join(s.LogRootDir, "logs")

	var tmpl *template.Template
	data := map[string]interface{}{
		"ClusterName": s.ClusterName,
		"AppRootDir":  s.appRootDir(),
		"LogDir":      logDir,
		"HeapSize":    req.Plan.HeapSize,
		"JVMArgs":     req.Plan.JVMArgs,
	}

	switch req.Role {
	case RoleMaster:
		tmpl = masterTmpl
		data["Main"] = s.MasterMain
		data["WorkDir"] = path.Join(s.appRootDir(), "work")
	case RoleWorker:
		if req.MasterAddress == "" {
			return "", fmt.Errorf("worker boot script requires the master's address")
		}
		tmpl = workerTmpl
		data["Main"] = s.WorkerMain
		data["MasterAddress"] = req.MasterAddress
		data["WorkerID"] = s.workerIDs.Add(1)
	default:
		return "", fmt.Errorf("unknown role %q", req.Role)
	}

	buf := &bytes.Buffer{}
	if err := tmpl.Execute(buf, data); err != nil {
		return "", fmt.Errorf("executing %s boot script template: %w", req.Role, err)
	}
	return buf.String(), nil
}
