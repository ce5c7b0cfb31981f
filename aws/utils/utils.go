// Package utils holds the configuration shared by the AWS backed
// components.
package utils

import (
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"

	sc "github.com/libopenstorage/securestore/aws/credentials"
)

const (
	// AwsAccessKey corresponds to AWS credential AWS_ACCESS_KEY_ID
	AwsAccessKey = "AWS_ACCESS_KEY_ID"
	// AwsSecretAccessKey corresponds to AWS credential AWS_SECRET_ACCESS_KEY
	AwsSecretAccessKey = "AWS_SECRET_ACCESS_KEY"
	// AwsTokenKey corresponds to AWS credential AWS_SECRET_TOKEN_KEY
	AwsTokenKey = "AWS_SECRET_TOKEN_KEY"
	// AwsRegionKey defines the AWS region
	AwsRegionKey = "AWS_REGION"
	// AwsEndpointKey overrides the service endpoint, e.g. for localstack.
	AwsEndpointKey = "AWS_ENDPOINT"
	// AwsConfigKey holds a ready *aws.Config used instead of the keys above.
	AwsConfigKey = "AWS_CONFIG"
)

var (
	// ErrCMKNotProvided is returned when CMK is not provided.
	ErrCMKNotProvided = errors.New("AWS CMK not provided. Cannot perform secret operations.")
	// ErrAWSRegionNotProvided is returned when region is not provided.
	ErrAWSRegionNotProvided = errors.New("AWS Region not provided. Cannot perform secret operations.")
	// ErrAWSCredsNotProvided is returned when aws credentials are not provided
	ErrAWSCredsNotProvided = errors.New("aws credentials not provided")
	// ErrAWSConfigWrongType is returned when AWS_CONFIG is not an *aws.Config.
	ErrAWSConfigWrongType = errors.New("AWS_CONFIG must be an *aws.Config")
)

// NewSession returns a session built from an AWS_CONFIG value or from the
// region, endpoint and credential keys of params.
func NewSession(params map[string]interface{}) (*session.Session, error) {
	if params == nil {
		return nil, ErrAWSCredsNotProvided
	}
	if v, ok := params[AwsConfigKey]; ok {
		config, ok := v.(*aws.Config)
		if !ok {
			return nil, ErrAWSConfigWrongType
		}
		return session.NewSession(config)
	}

	region := Param(params, AwsRegionKey)
	if region == "" {
		return nil, ErrAWSRegionNotProvided
	}

	id, secret, token, err := AuthKeys(params)
	if err != nil {
		return nil, err
	}
	asc, err := sc.NewAWSCredentials(id, secret, token)
	if err != nil {
		return nil, fmt.Errorf("failed to create aws credentials instance: %v", err)
	}
	creds, err := asc.Get()
	if err != nil {
		return nil, fmt.Errorf("failed to get credentials: %v", err)
	}

	config := aws.NewConfig().WithRegion(region).WithCredentials(creds)
	if endpoint := Param(params, AwsEndpointKey); endpoint != "" {
		config = config.WithEndpoint(endpoint)
	}
	return session.NewSession(config)
}

// Param returns the string value of key in params, falling back to the
// environment.
func Param(params map[string]interface{}, key string) string {
	if v, ok := params[key]; ok {
		s, _ := v.(string)
		return s
	}
	return os.Getenv(key)
}

func AuthKeys(params map[string]interface{}) (string, string, string, error) {
	accessKey, err := getAuthKey(AwsAccessKey, params)
	if err != nil {
		return "", "", "", err
	}

	secretKey, err := getAuthKey(AwsSecretAccessKey, params)
	if err != nil {
		return "", "", "", err
	}

	secretToken, err := getAuthKey(AwsTokenKey, params)
	if err != nil {
		return "", "", "", err
	}

	return accessKey, secretKey, secretToken, nil
}

func getAuthKey(key string, params map[string]interface{}) (string, error) {
	val, ok := params[key]
	valueStr := ""
	if ok {
		valueStr, ok = val.(string)
		if !ok {
			return "", fmt.Errorf("Authentication error. Invalid value for %v", key)
		}
	}
	return valueStr, nil
}
