// Package credentials resolves the AWS credentials used by the AWS
// backed components.
package credentials

import (
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/credentials/ec2rolecreds"
	"github.com/aws/aws-sdk-go/aws/ec2metadata"
	"github.com/aws/aws-sdk-go/aws/session"
)

const ec2MetadataURL = "http://169.254.169.254/latest/meta-data/"

type AWSCredentials interface {
	Get() (*credentials.Credentials, error)
}

type awsCred struct {
	creds *credentials.Credentials
}

// These variables are helpful in testing to stub the EC2 check.
var (
	onEC2 = detectEC2
)

// NewAWSCredentials returns static credentials when id and secret are set,
// otherwise a chain of the environment, the shared credentials file and,
// on EC2, the instance role.
func NewAWSCredentials(id, secret, token string) (AWSCredentials, error) {
	var creds *credentials.Credentials
	if id != "" && secret != "" {
		creds = credentials.NewStaticCredentials(id, secret, token)
		if _, err := creds.Get(); err != nil {
			return nil, err
		}
	} else {
		providers := []credentials.Provider{
			&credentials.EnvProvider{},
			&credentials.SharedCredentialsProvider{},
		}
		if onEC2() {
			sess, err := session.NewSession()
			if err != nil {
				return nil, err
			}
			providers = append(providers, &ec2rolecreds.EC2RoleProvider{
				Client: ec2metadata.New(sess),
			})
		}
		creds = credentials.NewChainCredentials(providers)
		if _, err := creds.Get(); err != nil {
			return nil, err
		}
	}
	return &awsCred{creds}, nil
}

func (a *awsCred) Get() (*credentials.Credentials, error) {
	if a.creds.IsExpired() {
		// Refresh the credentials
		_, err := a.creds.Get()
		if err != nil {
			return nil, err
		}
	}
	return a.creds, nil
}

func detectEC2() bool {
	client := http.Client{Timeout: time.Second * 10}
	res, err := client.Get(ec2MetadataURL)
	if err != nil {
		return false
	}
	res.Body.Close()
	return true
}
