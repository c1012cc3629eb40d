package resolver

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// AWSLookup resolves EC2 instances by their Name tag.
type AWSLookup struct {
	accessKeyID     string
	secretAccessKey string
	logger          *slog.Logger
}

// NewAWSLookup creates an EC2 host lookup.
func NewAWSLookup(accessKeyID, secretAccessKey string, logger *slog.Logger) *AWSLookup {
	return &AWSLookup{
		accessKeyID:     accessKeyID,
		secretAccessKey: secretAccessKey,
		logger:          logger.With("provider", "aws"),
	}
}

func (l *AWSLookup) newClient(region string) *ec2.Client {
	return ec2.New(ec2.Options{
		Region:      region,
		Credentials: credentials.NewStaticCredentialsProvider(l.accessKeyID, l.secretAccessKey, ""),
	})
}

// LookupHost finds the running instance tagged Name=instanceName and returns
// its public IP.
func (l *AWSLookup) LookupHost(ctx context.Context, instanceName, region string) (string, error) {
	client := l.newClient(region)
	out, err := client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("tag:Name"), Values: []string{instanceName}},
			{Name: aws.String("instance-state-name"), Values: []string{"running"}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("describing instances: %w", err)
	}

	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			if inst.PublicIpAddress != nil && *inst.PublicIpAddress != "" {
				return *inst.PublicIpAddress, nil
			}
		}
	}
	return "", notFound("aws", instanceName)
}
