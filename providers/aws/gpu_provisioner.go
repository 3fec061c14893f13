package aws

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"sync"

	"gpu-render-orchestrator/core/models"
	"gpu-render-orchestrator/core/submitter"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	reasonSpotTermination  = "Server.SpotInstanceTermination"
	reasonInstanceShutdown = "Client.InstanceInitiatedShutdown"
	managedByTag           = "gpu-render-orchestrator"
)

// EC2Settings configures how render instances are launched
type EC2Settings struct {
	AMI             string // Empty means look up the Deep Learning base AMI
	InstanceProfile string
	SubnetID        string
	MaxSpotPrice    string // Empty means capped at the on-demand price
}

// EC2Backend runs each render container on its own EC2 instance. The instance shuts
// itself down, and so terminates, when the container exits.
type EC2Backend struct {
	client   *Client
	settings EC2Settings

	mu   sync.Mutex
	amis map[string]string
}

// NewEC2Backend creates an EC2 compute backend
func NewEC2Backend(client *Client, settings EC2Settings) *EC2Backend {
	return &EC2Backend{
		client:   client,
		settings: settings,
		amis:     make(map[string]string),
	}
}

// SubmitJob implements submitter.ComputeBackend. The handle is region/instance-id.
func (b *EC2Backend) SubmitJob(ctx context.Context, spec submitter.JobSpec) (string, error) {
	region := spec.Placement.Region
	amiID, err := b.FindRenderAMI(ctx, region)
	if err != nil {
		return "", err
	}

	input := b.runInstancesInput(spec, amiID)
	result, err := b.client.ec2For(region).RunInstances(ctx, input)
	if err != nil {
		return "", errors.Wrapf(err, "launching %s in %s", spec.Placement.MachineShape, region)
	}
	if len(result.Instances) == 0 || result.Instances[0].InstanceId == nil {
		return "", errors.Wrapf(models.ErrTransientSubmission, "no instance returned for %s", spec.JobID)
	}

	instanceID := *result.Instances[0].InstanceId
	log.WithFields(log.Fields{
		"job_id":    spec.JobID,
		"placement": spec.Placement.String(),
		"instance":  instanceID,
	}).Info("EC2 render instance launched")
	return region + "/" + instanceID, nil
}

func (b *EC2Backend) runInstancesInput(spec submitter.JobSpec, amiID string) *ec2.RunInstancesInput {
	input := &ec2.RunInstancesInput{
		ImageId:                           aws.String(amiID),
		InstanceType:                      types.InstanceType(spec.Placement.MachineShape),
		MinCount:                          aws.Int32(1),
		MaxCount:                          aws.Int32(1),
		InstanceInitiatedShutdownBehavior: types.ShutdownBehaviorTerminate,
		UserData:                          aws.String(base64.StdEncoding.EncodeToString([]byte(userDataScript(spec)))),
		TagSpecifications: []types.TagSpecification{
			{
				ResourceType: types.ResourceTypeInstance,
				Tags:         instanceTags(spec),
			},
		},
	}

	if b.settings.InstanceProfile != "" {
		input.IamInstanceProfile = &types.IamInstanceProfileSpecification{
			Name: aws.String(b.settings.InstanceProfile),
		}
	}
	if b.settings.SubnetID != "" {
		input.SubnetId = aws.String(b.settings.SubnetID)
	}

	if spec.Placement.Preemptible {
		spotOptions := &types.SpotMarketOptions{
			SpotInstanceType:             types.SpotInstanceTypeOneTime,
			InstanceInterruptionBehavior: types.InstanceInterruptionBehaviorTerminate,
		}
		if b.settings.MaxSpotPrice != "" {
			spotOptions.MaxPrice = aws.String(b.settings.MaxSpotPrice)
		}
		input.InstanceMarketOptions = &types.InstanceMarketOptionsRequest{
			MarketType:  types.MarketTypeSpot,
			SpotOptions: spotOptions,
		}
	}
	return input
}

func instanceTags(spec submitter.JobSpec) []types.Tag {
	tags := []types.Tag{
		{Key: aws.String("Name"), Value: aws.String("render-" + spec.JobID)},
		{Key: aws.String("ManagedBy"), Value: aws.String(managedByTag)},
	}
	keys := make([]string, 0, len(spec.Labels))
	for k := range spec.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		tags = append(tags, types.Tag{Key: aws.String(k), Value: aws.String(spec.Labels[k])})
	}
	return tags
}

// GetJobStatus implements submitter.ComputeBackend
func (b *EC2Backend) GetJobStatus(ctx context.Context, handle string) (models.BackendStatus, error) {
	region, instanceID, ok := strings.Cut(handle, "/")
	if !ok || region == "" || instanceID == "" {
		return models.BackendStatus{}, errors.Errorf("malformed EC2 handle %q", handle)
	}

	out, err := b.client.ec2For(region).DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return models.BackendStatus{}, errors.Wrapf(err, "describing %s", instanceID)
	}
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			if stringValue(inst.InstanceId) == instanceID {
				return instanceStatus(inst), nil
			}
		}
	}
	return models.BackendStatus{}, errors.Errorf("instance %s not found in %s", instanceID, region)
}

// instanceStatus maps instance state to a backend status. A self-initiated shutdown is
// the container exiting; the status file decides whether the render succeeded.
func instanceStatus(inst types.Instance) models.BackendStatus {
	var state types.InstanceStateName
	if inst.State != nil {
		state = inst.State.Name
	}

	switch state {
	case types.InstanceStateNamePending, types.InstanceStateNameRunning, "":
		return models.BackendStatus{State: models.BackendRunning, Message: string(state)}
	}

	var code, msg string
	if inst.StateReason != nil {
		code = stringValue(inst.StateReason.Code)
		msg = stringValue(inst.StateReason.Message)
	}
	switch code {
	case reasonInstanceShutdown:
		return models.BackendStatus{State: models.BackendCompleted, Message: msg}
	case reasonSpotTermination:
		return models.BackendStatus{State: models.BackendFailed, Message: "spot instance interruption: " + msg}
	}
	if msg == "" {
		msg = code
	}
	return models.BackendStatus{State: models.BackendFailed, Message: fmt.Sprintf("instance state %s (%s)", state, msg)}
}

// userDataScript runs the render container once and powers the instance off
func userDataScript(spec submitter.JobSpec) string {
	var run strings.Builder
	run.WriteString("docker run --rm")
	if !spec.Placement.IsCPU() {
		run.WriteString(" --gpus all")
	}
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		run.WriteString(" -e " + shellQuote(k+"="+spec.Env[k]))
	}
	if len(spec.Command) > 0 {
		run.WriteString(" --entrypoint " + shellQuote(spec.Command[0]))
	}
	run.WriteString(" " + shellQuote(spec.ContainerImage))
	if len(spec.Command) > 1 {
		for _, c := range spec.Command[1:] {
			run.WriteString(" " + shellQuote(c))
		}
	}
	for _, a := range spec.Args {
		run.WriteString(" " + shellQuote(a))
	}

	return fmt.Sprintf(`#!/bin/bash
exec >> /var/log/render-worker.log 2>&1
echo "render %s starting"
%s
echo "render %s exited with $?"
shutdown -h now
`, spec.JobID, run.String(), spec.JobID)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
