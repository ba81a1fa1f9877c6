// Package compute starts and stops the instances behind staging servers.
package compute

import (
	"context"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/pkg/errors"
)

// Provider powers instances on and off.
type Provider interface {
	Start(ctx context.Context, instanceID string) error
	Stop(ctx context.Context, instanceID string) error
}

// EC2Provider implements Provider with the EC2 API.
type EC2Provider struct {
	EC2 ec2iface.EC2API
}

// New returns a provider using the given AWS config provider, usually a
// session.
func New(p client.ConfigProvider) *EC2Provider {
	return &EC2Provider{EC2: ec2.New(p)}
}

// NewSession builds an AWS session for region from the default credential
// chain. Explicit keys take precedence when both are set.
func NewSession(region string, accessKeyID string, secretAccessKey string) (*session.Session, error) {
	cfg := aws.NewConfig().WithRegion(region)
	if accessKeyID != "" && secretAccessKey != "" {
		cfg = cfg.WithCredentials(credentials.NewStaticCredentials(accessKeyID, secretAccessKey, ""))
	}
	sess, err := session.NewSession(cfg)
	return sess, errors.Wrap(err, "creating aws session")
}

func (e *EC2Provider) Start(ctx context.Context, instanceID string) error {
	if instanceID == "" {
		return errors.New("instance id must not be empty")
	}
	_, err := e.EC2.StartInstancesWithContext(ctx, &ec2.StartInstancesInput{
		InstanceIds: aws.StringSlice([]string{instanceID}),
	})
	return errors.Wrapf(err, "starting instance %s", instanceID)
}

func (e *EC2Provider) Stop(ctx context.Context, instanceID string) error {
	if instanceID == "" {
		return errors.New("instance id must not be empty")
	}
	_, err := e.EC2.StopInstancesWithContext(ctx, &ec2.StopInstancesInput{
		InstanceIds: aws.StringSlice([]string{instanceID}),
	})
	return errors.Wrapf(err, "stopping instance %s", instanceID)
}
