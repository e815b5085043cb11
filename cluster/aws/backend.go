// Package aws provisions drover clusters on EC2 autoscaling groups.
package aws

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/autoscaling"
	"github.com/aws/aws-sdk-go/service/cloudformation"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ssm"
	"github.com/drover-io/drover/cluster"
	"go.uber.org/zap"
)

func collectPagesWithContext[IN any, OUT any](ctx context.Context, input IN, fn func(aws.Context, IN, func(OUT, bool) bool, ...request.Option) error, opts ...request.Option) ([]OUT, error) {
	var out []OUT
	err := fn(ctx, input, func(output OUT, more bool) bool {
		out = append(out, output)
		return true
	}, opts...)
	return out, err
}

// Backend implements cluster.Backend on the EC2 and AutoScaling APIs.
// This uses standard AWS profile env vars; with no configuration it uses the
// default profile. Clients and network config are loaded lazily on first use.
type Backend struct {
	Region string

	loadedMut sync.Mutex
	loaded    bool

	log       *zap.SugaredLogger
	sess      *session.Session
	ec2Client *ec2.EC2
	asgClient *autoscaling.AutoScaling
	cfnClient *cloudformation.CloudFormation
	ssmClient *ssm.SSM

	vpcID     string
	subnetIDs []string
}

// NewBackend creates an EC2 backend in the given region.
func NewBackend(region string) *Backend {
	return &Backend{Region: region}
}

func (b *Backend) WithLogger(l *zap.SugaredLogger) *Backend {
	b.log = l.Named("ec2_backend")
	return b
}

func (b *Backend) WithSession(sess *session.Session) *Backend {
	b.sess = sess
	return b
}

// WithNetwork pins the VPC and subnets to use, skipping discovery.
func (b *Backend) WithNetwork(vpcID string, subnetIDs ...string) *Backend {
	b.vpcID = vpcID
	b.subnetIDs = subnetIDs
	return b
}

// Session returns the backend's AWS session, loading it if necessary.
func (b *Backend) Session() (*session.Session, error) {
	if err := b.ensureLoaded(); err != nil {
		return nil, err
	}
	return b.sess, nil
}

func (b *Backend) ensureLoaded() error {
	b.loadedMut.Lock()
	defer b.loadedMut.Unlock()
	if b.loaded {
		return nil
	}

	if b.log == nil {
		l, err := zap.NewProduction()
		if err != nil {
			return fmt.Errorf("building logger: %w", err)
		}
		b.log = l.Sugar().Named("ec2_backend")
	}

	if b.sess == nil {
		sess, err := session.NewSessionWithOptions(session.Options{
			SharedConfigState: session.SharedConfigEnable,
			Config:            aws.Config{Region: &b.Region},
		})
		if err != nil {
			return fmt.Errorf("creating AWS Go SDK session: %w", err)
		}
		b.sess = sess
	}

	b.ec2Client = ec2.New(b.sess)
	b.asgClient = autoscaling.New(b.sess)
	b.cfnClient = cloudformation.New(b.sess)
	b.ssmClient = ssm.New(b.sess)

	if b.vpcID == "" {
		network, err := b.resolveNetwork()
		if err != nil {
			return fmt.Errorf("resolving cluster network: %w", err)
		}
		b.vpcID = network.vpcID
		b.subnetIDs = network.subnetIDs
	}

	b.loaded = true
	return nil
}

func (b *Backend) CreateSecurityGroup(ctx context.Context, name, description string) (string, error) {
	if err := b.ensureLoaded(); err != nil {
		return "", err
	}
	out, err := b.ec2Client.CreateSecurityGroupWithContext(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:   &name,
		Description: &description,
		VpcId:       &b.vpcID,
	})
	if err != nil {
		return "", fmt.Errorf("creating security group %q: %w", name, err)
	}
	return *out.GroupId, nil
}

func (b *Backend) AddIngressRule(ctx context.Context, securityGroup, cidr, protocol string, fromPort, toPort int64) error {
	if err := b.ensureLoaded(); err != nil {
		return err
	}
	_, err := b.ec2Client.AuthorizeSecurityGroupIngressWithContext(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId:    &securityGroup,
		CidrIp:     &cidr,
		IpProtocol: &protocol,
		FromPort:   &fromPort,
		ToPort:     &toPort,
	})
	if err != nil {
		return fmt.Errorf("authorizing ingress on %q: %w", securityGroup, err)
	}
	return nil
}

func (b *Backend) CreateKeyPair(ctx context.Context, name string) (string, error) {
	if err := b.ensureLoaded(); err != nil {
		return "", err
	}
	out, err := b.ec2Client.CreateKeyPairWithContext(ctx, &ec2.CreateKeyPairInput{KeyName: &name})
	if err != nil {
		return "", fmt.Errorf("creating key pair %q: %w", name, err)
	}
	return *out.KeyMaterial, nil
}

func (b *Backend) CreateLaunchTemplate(ctx context.Context, req cluster.LaunchTemplateRequest) error {
	if err := b.ensureLoaded(); err != nil {
		return err
	}

	amiID := req.AMIID
	if amiID == "" {
		var err error
		amiID, err = b.fetchDefaultAMIID(ctx)
		if err != nil {
			return err
		}
		b.log.Infow("plan has no AMI, using the recommended default", "amiID", amiID)
	}

	userData := base64.StdEncoding.EncodeToString([]byte(req.UserData))
	data := &ec2.RequestLaunchTemplateData{
		ImageId:          &amiID,
		InstanceType:     &req.InstanceType,
		SecurityGroupIds: []*string{&req.SecurityGroup},
		UserData:         &userData,
	}
	if req.KeyName != "" {
		data.KeyName = &req.KeyName
	}

	_, err := b.ec2Client.CreateLaunchTemplateWithContext(ctx, &ec2.CreateLaunchTemplateInput{
		LaunchTemplateName: &req.Name,
		LaunchTemplateData: data,
	})
	if err != nil {
		return fmt.Errorf("creating launch template %q: %w", req.Name, err)
	}
	return nil
}

func (b *Backend) CreateAutoscalingGroup(ctx context.Context, req cluster.AutoscalingGroupRequest) error {
	if err := b.ensureLoaded(); err != nil {
		return err
	}
	_, err := b.asgClient.CreateAutoScalingGroupWithContext(ctx, &autoscaling.CreateAutoScalingGroupInput{
		AutoScalingGroupName: &req.Name,
		LaunchTemplate: &autoscaling.LaunchTemplateSpecification{
			LaunchTemplateName: &req.LaunchTemplateName,
			Version:            aws.String("$Latest"),
		},
		MinSize:           aws.Int64(int64(req.MinCount)),
		MaxSize:           aws.Int64(int64(req.MaxCount)),
		DesiredCapacity:   aws.Int64(int64(req.DesiredCount)),
		VPCZoneIdentifier: aws.String(strings.Join(b.subnetIDs, ",")),
		Tags: []*autoscaling.Tag{{
			Key:               &req.TagKey,
			Value:             &req.TagValue,
			PropagateAtLaunch: aws.Bool(true),
		}},
	})
	if err != nil {
		return fmt.Errorf("creating autoscaling group %q: %w", req.Name, err)
	}
	return nil
}

func (b *Backend) ListInstances(ctx context.Context, groupName, stateFilter string) ([]cluster.InstanceDescriptor, error) {
	if err := b.ensureLoaded(); err != nil {
		return nil, err
	}

	groupsOut, err := b.asgClient.DescribeAutoScalingGroupsWithContext(ctx, &autoscaling.DescribeAutoScalingGroupsInput{
		AutoScalingGroupNames: []*string{&groupName},
	})
	if err != nil {
		return nil, fmt.Errorf("describing autoscaling group %q: %w", groupName, err)
	}

	var instanceIDs []*string
	for _, group := range groupsOut.AutoScalingGroups {
		for _, inst := range group.Instances {
			instanceIDs = append(instanceIDs, inst.InstanceId)
		}
	}
	if len(instanceIDs) == 0 {
		return nil, nil
	}

	pages, err := collectPagesWithContext(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: instanceIDs,
		Filters: []*ec2.Filter{{
			Name:   aws.String("instance-state-name"),
			Values: []*string{&stateFilter},
		}},
	}, b.ec2Client.DescribeInstancesPagesWithContext)
	if err != nil {
		return nil, fmt.Errorf("describing instances of group %q: %w", groupName, err)
	}

	var descriptors []cluster.InstanceDescriptor
	for _, page := range pages {
		for _, res := range page.Reservations {
			for _, inst := range res.Instances {
				d := cluster.InstanceDescriptor{
					ID:    aws.StringValue(inst.InstanceId),
					State: aws.StringValue(inst.State.Name),
				}
				d.PublicAddress = aws.StringValue(inst.PublicIpAddress)
				descriptors = append(descriptors, d)
			}
		}
	}
	return descriptors, nil
}
