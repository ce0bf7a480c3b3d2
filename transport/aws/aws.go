// Package aws is the SNS/SQS pubsub backend. Topics are SNS topics; every app
// subscribes through its own SQS queue.
package aws

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	"github.com/drblury/outrigger/transport"
)

const TransportName = "aws"

// Metadata keys.
const (
	PropertyRegion          = "region"
	PropertyAccountID       = "accountID"
	PropertyAccessKeyID     = "accessKeyID"
	PropertySecretAccessKey = "secretAccessKey"
	PropertyEndpoint        = "endpoint"
)

const (
	localstackAccountID = "000000000000"
	awsAccountIDLength  = 12
)

var DefaultConfigLoader = awsconfig.LoadDefaultConfig

var TopicResolverFactory = sns.NewGenerateArnTopicResolver

var PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return sns.NewPublisher(cfg, logger)
}

var SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return sns.NewSubscriber(cfg, sqsCfg, logger)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.AWSCapabilities)
}

type options struct {
	region    string
	accountID string
	accessKey string
	secretKey string
	endpoint  *url.URL
	appID     string
}

func parseOptions(cfg transport.Config) (options, error) {
	opts := options{
		region:    cfg.Metadata.String(PropertyRegion, ""),
		accountID: strings.Trim(cfg.Metadata.String(PropertyAccountID, ""), "\"' "),
		accessKey: cfg.Metadata.String(PropertyAccessKeyID, ""),
		secretKey: cfg.Metadata.String(PropertySecretAccessKey, ""),
		appID:     cfg.AppID,
	}
	if raw := cfg.Metadata.String(PropertyEndpoint, ""); raw != "" {
		u, err := url.Parse(raw)
		if err != nil {
			return options{}, fmt.Errorf("metadata %q: %w", PropertyEndpoint, err)
		}
		opts.endpoint = u
	}
	if (opts.accessKey == "") != (opts.secretKey == "") {
		return options{}, fmt.Errorf("metadata %q and %q must be set together", PropertyAccessKeyID, PropertySecretAccessKey)
	}
	return opts, nil
}

// resolveAccount substitutes the LocalStack account when a custom endpoint is
// in use and the configured id is absent or malformed.
func (o options) resolveAccount(logger watermill.LoggerAdapter) string {
	if o.endpoint == nil || len(o.accountID) == awsAccountIDLength {
		return o.accountID
	}
	logger.Info("Using LocalStack account id", watermill.LogFields{"configured": o.accountID})
	return localstackAccountID
}

func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	opts, err := parseOptions(cfg)
	if err != nil {
		return transport.Transport{}, err
	}
	awsCfg, err := loadAWSConfig(ctx, opts)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("load aws config: %w", err)
	}

	region := opts.region
	if region == "" {
		region = awsCfg.Region
	}
	accountID := opts.resolveAccount(logger)
	logger.Info("AWS pubsub configured", watermill.LogFields{
		"region":          region,
		"account_id":      accountID,
		"custom_endpoint": opts.endpoint != nil,
	})

	resolver, err := TopicResolverFactory(accountID, region)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("sns topic resolver: %w", err)
	}
	snsOpts, sqsOpts := endpointOverrides(opts.endpoint)

	publisher, err := PublisherFactory(sns.PublisherConfig{
		TopicResolver: resolver,
		AWSConfig:     awsCfg,
		OptFns:        snsOpts,
		Marshaler:     sns.DefaultMarshalerUnmarshaler{},
	}, logger)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("sns publisher: %w", err)
	}

	subscriber, err := SubscriberFactory(sns.SubscriberConfig{
		AWSConfig:            awsCfg,
		OptFns:               snsOpts,
		TopicResolver:        resolver,
		GenerateSqsQueueName: QueueNameGenerator(opts.appID),
	}, sqs.SubscriberConfig{
		AWSConfig: awsCfg,
		OptFns:    sqsOpts,
	}, logger)
	if err != nil {
		return transport.Transport{}, errors.Join(fmt.Errorf("sns subscriber: %w", err), publisher.Close())
	}

	return transport.Transport{Publisher: publisher, Subscriber: subscriber}, nil
}

// QueueNameGenerator names the SQS queue of a topic subscription. With an app
// id the queue is "<topic>-<appID>".
func QueueNameGenerator(appID string) func(context.Context, sns.TopicArn) (string, error) {
	return func(_ context.Context, arn sns.TopicArn) (string, error) {
		topic, err := sns.ExtractTopicNameFromTopicArn(arn)
		if err != nil {
			return "", err
		}
		if appID == "" {
			return string(topic), nil
		}
		return string(topic) + "-" + appID, nil
	}
}

func loadAWSConfig(ctx context.Context, opts options) (aws.Config, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.region))
	}
	if opts.accessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(staticCredentials(opts.accessKey, opts.secretKey)))
	}
	awsCfg, err := DefaultConfigLoader(ctx, loadOpts...)
	if err != nil {
		return aws.Config{}, err
	}
	if opts.region != "" {
		awsCfg.Region = opts.region
	}
	if opts.endpoint != nil {
		awsCfg.BaseEndpoint = aws.String(opts.endpoint.String())
	}
	return awsCfg, nil
}

func endpointOverrides(endpoint *url.URL) ([]func(*amazonsns.Options), []func(*amazonsqs.Options)) {
	if endpoint == nil {
		return nil, nil
	}
	ep := smithyendpoints.Endpoint{URI: *endpoint}
	return []func(*amazonsns.Options){amazonsns.WithEndpointResolverV2(sns.OverrideEndpointResolver{Endpoint: ep})},
		[]func(*amazonsqs.Options){amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{Endpoint: ep})}
}

func staticCredentials(accessKeyID, secretAccessKey string) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		return aws.Credentials{AccessKeyID: accessKeyID, SecretAccessKey: secretAccessKey}, nil
	})
}

func Capabilities() transport.Capabilities {
	return transport.AWSCapabilities
}
