package certs

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ParameterGetter is the subset of the SSM client used to read material.
type ParameterGetter interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// NewSSMClient creates an SSM client from the default AWS configuration chain.
func NewSSMClient(ctx context.Context) (*ssm.Client, error) {
	awsConfig, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return ssm.NewFromConfig(awsConfig), nil
}

// LoadSSM assembles material from PEM documents stored in SSM Parameter Store.
// The server key is expected to be a SecureString parameter.
func LoadSSM(ctx context.Context, client ParameterGetter, cfg Config) (*Material, error) {
	caPEM, err := getParameter(ctx, client, cfg.ClientCASSM)
	if err != nil {
		return nil, loadError("client CA", cfg.ClientCASSM, err)
	}

	certPEM, err := getParameter(ctx, client, cfg.ServerCertSSM)
	if err != nil {
		return nil, loadError("server certificate", cfg.ServerCertSSM, err)
	}

	keyPEM, err := getParameter(ctx, client, cfg.ServerKeySSM)
	if err != nil {
		return nil, loadError("server key", cfg.ServerKeySSM, err)
	}

	paths := pemPaths{ca: cfg.ClientCASSM, cert: cfg.ServerCertSSM, key: cfg.ServerKeySSM}

	return fromPEM(ctx, paths, []byte(caPEM), []byte(certPEM), []byte(keyPEM))
}

// getParameter fetches a parameter from SSM
func getParameter(ctx context.Context, client ParameterGetter, name string) (string, error) {
	output, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", err
	}
	if output.Parameter == nil || output.Parameter.Value == nil {
		return "", fmt.Errorf("parameter %s has no value", name)
	}
	return *output.Parameter.Value, nil
}
