package aws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/cloudformation"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ssm"
)

// The base network stack (VPC, public subnets) is deployed out-of-band and
// exports its ARN so launchers can find it. When no stack is deployed, the
// backend falls back to the account's default VPC.
const stackARNExportName = "DroverStackARN"

type network struct {
	vpcID     string
	subnetIDs []string
}

func (b *Backend) resolveNetwork() (network, error) {
	net, err := b.networkFromStack()
	if err == nil {
		b.log.Infow("using network from base stack", "vpc", net.vpcID, "subnets", net.subnetIDs)
		return net, nil
	}
	b.log.Infow("no base network stack found, falling back to the default VPC", "reason", err)
	return b.networkFromDefaultVPC()
}

func (b *Backend) networkFromStack() (network, error) {
	outputs, err := b.fetchStackOutputs()
	if err != nil {
		return network{}, err
	}
	return parseStackOutputs(outputs)
}

func parseStackOutputs(outputs map[string]string) (network, error) {
	var net network

	vpcID := outputs["VPCID"]
	if vpcID == "" {
		return net, errors.New("unable to find VPC ID in stack outputs")
	}
	net.vpcID = vpcID

	publicSubnetIDsStr := outputs["PublicSubnetIDs"]
	if publicSubnetIDsStr == "" {
		return net, errors.New("unable to find subnet IDs in stack outputs")
	}
	net.subnetIDs = strings.Split(publicSubnetIDsStr, ",")

	return net, nil
}

func (b *Backend) fetchStackOutputs() (map[string]string, error) {
	listExportsPages, err := collectPagesWithContext(context.Background(), &cloudformation.ListExportsInput{}, b.cfnClient.ListExportsPagesWithContext)
	if err != nil {
		return nil, fmt.Errorf("listing CloudFormation exports: %w", err)
	}

	var stackARN string
	for _, page := range listExportsPages {
		for _, export := range page.Exports {
			if *export.Name == stackARNExportName {
				stackARN = *export.Value
			}
		}
	}
	if stackARN == "" {
		return nil, fmt.Errorf("no %s export found", stackARNExportName)
	}

	describeStacksPages, err := collectPagesWithContext(context.Background(),
		&cloudformation.DescribeStacksInput{StackName: &stackARN},
		b.cfnClient.DescribeStacksPagesWithContext,
	)
	if err != nil {
		return nil, fmt.Errorf("describing base stack: %w", err)
	}
	if len(describeStacksPages) != 1 {
		return nil, fmt.Errorf("expected DescribeStacks to have 1 page, but had %d", len(describeStacksPages))
	}
	if len(describeStacksPages[0].Stacks) != 1 {
		return nil, fmt.Errorf("expected DescribeStacks page to have 1 stack, but had %d", len(describeStacksPages[0].Stacks))
	}
	stack := describeStacksPages[0].Stacks[0]

	outputs := map[string]string{}
	for _, output := range stack.Outputs {
		outputs[*output.OutputKey] = *output.OutputValue
	}

	return outputs, nil
}

func (b *Backend) networkFromDefaultVPC() (network, error) {
	vpcsOut, err := b.ec2Client.DescribeVpcs(&ec2.DescribeVpcsInput{
		Filters: []*ec2.Filter{{Name: aws.String("isDefault"), Values: []*string{aws.String("true")}}},
	})
	if err != nil {
		return network{}, fmt.Errorf("describing default VPC: %w", err)
	}
	if len(vpcsOut.Vpcs) == 0 {
		return network{}, errors.New("account has no default VPC; deploy the base network stack or configure one")
	}
	vpcID := *vpcsOut.Vpcs[0].VpcId

	subnetsOut, err := b.ec2Client.DescribeSubnets(&ec2.DescribeSubnetsInput{
		Filters: []*ec2.Filter{{Name: aws.String("vpc-id"), Values: []*string{&vpcID}}},
	})
	if err != nil {
		return network{}, fmt.Errorf("describing subnets of VPC %q: %w", vpcID, err)
	}

	var subnetIDs []string
	for _, subnet := range subnetsOut.Subnets {
		subnetIDs = append(subnetIDs, *subnet.SubnetId)
	}
	if len(subnetIDs) == 0 {
		return network{}, fmt.Errorf("VPC %q has no subnets", vpcID)
	}

	return network{vpcID: vpcID, subnetIDs: subnetIDs}, nil
}

// fetchDefaultAMIID looks up the recommended Amazon Linux 2 AMI for plans
// that do not pin one.
func (b *Backend) fetchDefaultAMIID(ctx context.Context) (string, error) {
	key := "/aws/service/ecs/optimized-ami/amazon-linux-2/recommended"
	res, err := b.ssmClient.GetParametersWithContext(ctx, &ssm.GetParametersInput{Names: []*string{&key}})
	if err != nil {
		return "", fmt.Errorf("fetching AMI ID: %w", err)
	}
	if len(res.Parameters) == 0 {
		return "", errors.New("no recommended AMI parameter found in SSM")
	}
	val := *res.Parameters[0].Value
	m := map[string]interface{}{}
	if err := json.Unmarshal([]byte(val), &m); err != nil {
		return "", fmt.Errorf("unmarshaling AMI info from SSM: %w", err)
	}
	amiIDIface, ok := m["image_id"]
	if !ok {
		return "", errors.New("unable to find AMI ID in SSM parameter")
	}
	amiID, ok := amiIDIface.(string)
	if !ok {
		return "", errors.New("expected AMI ID from SSM to be a string")
	}
	return amiID, nil
}
