// Package aws_kms wraps keystore data keys with an AWS KMS customer
// master key.
package aws_kms

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/kms"
	"github.com/aws/aws-sdk-go/service/kms/kmsiface"

	"github.com/libopenstorage/securestore/aws/utils"
	"github.com/libopenstorage/securestore/keystore"
)

const (
	// Name of the key wrapper
	Name = "aws_kms"
	// AwsCMKey defines the KMS customer master key
	AwsCMKey = "AWS_CMK"
	// ClientKey holds a kmsiface.KMSAPI used instead of a client built
	// from the AWS keys.
	ClientKey = "client"

	encryptionContextKey   = "purpose"
	encryptionContextValue = "securestore data key"
)

var _ keystore.KeyWrapper = (*KMSWrapper)(nil)

// KMSWrapper encrypts data keys under a customer master key. Every call
// carries a fixed encryption context so ciphertexts of other KMS users are
// not accepted.
type KMSWrapper struct {
	client kmsiface.KMSAPI
	cmk    string
}

// New creates a KMSWrapper from the CMK, region and credential keys of
// config, falling back to the environment.
func New(
	config map[string]interface{},
) (*KMSWrapper, error) {
	if config == nil {
		return nil, utils.ErrCMKNotProvided
	}
	cmk := utils.Param(config, AwsCMKey)
	if cmk == "" {
		return nil, utils.ErrCMKNotProvided
	}

	if v, ok := config[ClientKey]; ok {
		client, ok := v.(kmsiface.KMSAPI)
		if !ok {
			return nil, fmt.Errorf("aws_kms: %v must be a KMSAPI", ClientKey)
		}
		return &KMSWrapper{client: client, cmk: cmk}, nil
	}

	sess, err := utils.NewSession(config)
	if err != nil {
		return nil, err
	}
	return &KMSWrapper{client: kms.New(sess), cmk: cmk}, nil
}

func (a *KMSWrapper) String() string {
	return Name
}

func (a *KMSWrapper) WrapKey(ctx context.Context, dataKey []byte) ([]byte, error) {
	out, err := a.client.EncryptWithContext(ctx, &kms.EncryptInput{
		KeyId:             aws.String(a.cmk),
		Plaintext:         dataKey,
		EncryptionContext: encryptionContext(),
	})
	if err != nil {
		return nil, convertAWSErr("encrypt", err)
	}
	return out.CiphertextBlob, nil
}

func (a *KMSWrapper) UnwrapKey(ctx context.Context, wrapped []byte) ([]byte, error) {
	out, err := a.client.DecryptWithContext(ctx, &kms.DecryptInput{
		KeyId:             aws.String(a.cmk),
		CiphertextBlob:    wrapped,
		EncryptionContext: encryptionContext(),
	})
	if err != nil {
		return nil, convertAWSErr("decrypt", err)
	}
	return out.Plaintext, nil
}

func encryptionContext() map[string]*string {
	return map[string]*string{encryptionContextKey: aws.String(encryptionContextValue)}
}

func convertAWSErr(op string, err error) error {
	var awsErr awserr.Error
	if errors.As(err, &awsErr) {
		return fmt.Errorf("aws_kms %s: AWS error: %s - %s", op, awsErr.Code(), awsErr.Message())
	}
	return fmt.Errorf("aws_kms %s: %w", op, err)
}
