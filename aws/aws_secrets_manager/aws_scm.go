// Package aws_secrets_manager stores entries as AWS Secrets Manager
// secrets.
package aws_secrets_manager

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/aws/aws-sdk-go/service/secretsmanager/secretsmanageriface"

	"github.com/libopenstorage/securestore"
	"github.com/libopenstorage/securestore/aws/utils"
	"github.com/libopenstorage/securestore/pkg/envelope"
)

const (
	// Name of the secret store
	Name = "aws_secrets_manager"
	// SecretRetentionPeriodInDaysKey is the recovery window of removed
	// entries. Zero or unset deletes them without recovery.
	SecretRetentionPeriodInDaysKey = "AWS_SECRET_RETENTION_PERIOD_IN_DAYS"
	// SecretPrefixKey is the name prefix of every secret.
	SecretPrefixKey = "AWS_SECRET_PREFIX"
	// KmsKeyIDKey optionally names the KMS key encrypting new secrets.
	KmsKeyIDKey = "AWS_SECRETS_MANAGER_KMS_KEY_ID"
	// ClientKey holds a secretsmanageriface.SecretsManagerAPI used instead
	// of a client built from the AWS keys.
	ClientKey = "client"
	// DeviceKey holds a securestore.DeviceStateProvider.
	DeviceKey = "device"

	defaultPrefix = "securestore/"
)

var (
	ErrInvalidRetentionPeriod = errors.New(SecretRetentionPeriodInDaysKey + " must be 0 or between 7 and 30")
)

// AWSSecretsMgr is a SecureBackend over AWS Secrets Manager.
type AWSSecretsMgr struct {
	scm             secretsmanageriface.SecretsManagerAPI
	prefix          string
	kmsKeyID        string
	retentionInDays int64
	device          securestore.DeviceStateProvider
	now             func() time.Time
}

// New creates new instance of AWSSecretsMgr with provided configuration.
func New(
	secretConfig map[string]interface{},
) (securestore.SecureBackend, error) {
	return newSecretsMgr(secretConfig)
}

func newSecretsMgr(secretConfig map[string]interface{}) (*AWSSecretsMgr, error) {
	if secretConfig == nil {
		return nil, utils.ErrAWSCredsNotProvided
	}

	var retention int64
	if v := utils.Param(secretConfig, SecretRetentionPeriodInDaysKey); v != "" {
		days, err := strconv.ParseInt(v, 10, 64)
		if err != nil || (days != 0 && (days < 7 || days > 30)) {
			return nil, ErrInvalidRetentionPeriod
		}
		retention = days
	}

	var device securestore.DeviceStateProvider = securestore.UnlockedDevice
	if v, ok := secretConfig[DeviceKey]; ok {
		d, ok := v.(securestore.DeviceStateProvider)
		if !ok {
			return nil, fmt.Errorf("aws_secrets_manager: %v must be a DeviceStateProvider", DeviceKey)
		}
		device = d
	}

	var scm secretsmanageriface.SecretsManagerAPI
	if v, ok := secretConfig[ClientKey]; ok {
		c, ok := v.(secretsmanageriface.SecretsManagerAPI)
		if !ok {
			return nil, fmt.Errorf("aws_secrets_manager: %v must be a SecretsManagerAPI", ClientKey)
		}
		scm = c
	} else {
		sess, err := utils.NewSession(secretConfig)
		if err != nil {
			return nil, err
		}
		scm = secretsmanager.New(sess)
	}

	prefix := utils.Param(secretConfig, SecretPrefixKey)
	if prefix == "" {
		prefix = defaultPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return &AWSSecretsMgr{
		scm:             scm,
		prefix:          prefix,
		kmsKeyID:        utils.Param(secretConfig, KmsKeyIDKey),
		retentionInDays: retention,
		device:          device,
		now:             time.Now,
	}, nil
}

func (a *AWSSecretsMgr) String() string {
	return Name
}

func (a *AWSSecretsMgr) Get(ctx context.Context, key string) ([]byte, error) {
	e, err := a.get(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := securestore.CheckReadable(e.Accessible, a.device); err != nil {
		return nil, err
	}
	return e.Value, nil
}

// Set writes a new version of the secret, creating it on first use. Entries
// leave the device, so policies bound to this device are refused.
func (a *AWSSecretsMgr) Set(
	ctx context.Context,
	key string,
	value []byte,
	accessible securestore.Accessibility,
) error {
	if accessible.ThisDeviceOnly() {
		return fmt.Errorf("%w: %v is stored off-device by %s",
			securestore.ErrUnsupportedPolicy, accessible, Name)
	}
	if err := securestore.CheckWritable(accessible, a.device); err != nil {
		return err
	}

	prev, err := a.get(ctx, key)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		prev = nil
	}
	secretValue, err := envelope.Encode(prev.Update(key, value, accessible, a.now().UTC()))
	if err != nil {
		return fmt.Errorf("%w: encode entry: %v", securestore.ErrBackend, err)
	}
	return a.put(ctx, key, string(secretValue))
}

// Remove deletes the secret, keeping it recoverable for the configured
// retention period.
func (a *AWSSecretsMgr) Remove(ctx context.Context, key string) error {
	input := &secretsmanager.DeleteSecretInput{
		SecretId: aws.String(a.secretID(key)),
	}
	if a.retentionInDays > 0 {
		input.RecoveryWindowInDays = aws.Int64(a.retentionInDays)
	} else {
		input.ForceDeleteWithoutRecovery = aws.Bool(true)
	}

	_, err := a.scm.DeleteSecretWithContext(ctx, input)
	if err == nil || isCode(err, secretsmanager.ErrCodeResourceNotFoundException) {
		return nil
	}
	if isCode(err, secretsmanager.ErrCodeInvalidRequestException) && a.markedForDeletion(ctx, key) {
		return nil
	}
	return a.convertAWSErr(ctx, key, err)
}

// SetUninstallReset reports false: secrets live in the AWS account and
// survive any reinstall of the application.
func (a *AWSSecretsMgr) SetUninstallReset(bool) bool {
	return false
}

func (a *AWSSecretsMgr) get(ctx context.Context, key string) (*securestore.Entry, error) {
	input := &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(a.secretID(key)),
	}

	result, err := a.scm.GetSecretValueWithContext(ctx, input)
	if err != nil {
		if isCode(err, secretsmanager.ErrCodeResourceNotFoundException) ||
			(isCode(err, secretsmanager.ErrCodeInvalidRequestException) && a.markedForDeletion(ctx, key)) {
			return nil, fmt.Errorf("%w: %s", securestore.ErrNotFound, key)
		}
		return nil, a.convertAWSErr(ctx, key, err)
	}

	e, err := envelope.Decode(key, []byte(aws.StringValue(result.SecretString)))
	if err != nil {
		return nil, fmt.Errorf("%w: secret %q: %v", securestore.ErrBackend, key, err)
	}
	return e, nil
}

func (a *AWSSecretsMgr) put(ctx context.Context, key, secretValue string) error {
	secretID := a.secretID(key)
	_, err := a.scm.PutSecretValueWithContext(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     aws.String(secretID),
		SecretString: aws.String(secretValue),
	})
	switch {
	case err == nil:
		return nil
	case isCode(err, secretsmanager.ErrCodeResourceNotFoundException):
		input := &secretsmanager.CreateSecretInput{
			Name:         aws.String(secretID),
			SecretString: aws.String(secretValue),
		}
		if a.kmsKeyID != "" {
			input.KmsKeyId = aws.String(a.kmsKeyID)
		}
		_, err = a.scm.CreateSecretWithContext(ctx, input)
	case isCode(err, secretsmanager.ErrCodeInvalidRequestException) && a.markedForDeletion(ctx, key):
		// A removed secret within its recovery window is restored and
		// overwritten.
		_, err = a.scm.RestoreSecretWithContext(ctx, &secretsmanager.RestoreSecretInput{
			SecretId: aws.String(secretID),
		})
		if err == nil {
			_, err = a.scm.PutSecretValueWithContext(ctx, &secretsmanager.PutSecretValueInput{
				SecretId:     aws.String(secretID),
				SecretString: aws.String(secretValue),
			})
		}
	}
	if err != nil {
		return a.convertAWSErr(ctx, key, err)
	}
	return nil
}

func (a *AWSSecretsMgr) markedForDeletion(ctx context.Context, key string) bool {
	out, err := a.scm.DescribeSecretWithContext(ctx, &secretsmanager.DescribeSecretInput{
		SecretId: aws.String(a.secretID(key)),
	})
	return err == nil && out.DeletedDate != nil
}

// secretID encodes key into a single name segment below the prefix.
func (a *AWSSecretsMgr) secretID(key string) string {
	return a.prefix + base64.RawURLEncoding.EncodeToString([]byte(key))
}

func (a *AWSSecretsMgr) convertAWSErr(ctx context.Context, key string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var awsErr awserr.Error
	if errors.As(err, &awsErr) {
		return fmt.Errorf("%w: %q: AWS error: %s - %s",
			securestore.ErrBackend, key, awsErr.Code(), awsErr.Message())
	}
	return fmt.Errorf("%w: %q: %v", securestore.ErrBackend, key, err)
}

func isCode(err error, code string) bool {
	var awsErr awserr.Error
	return errors.As(err, &awsErr) && awsErr.Code() == code
}

func init() {
	if err := securestore.Register(Name, New); err != nil {
		panic(err.Error())
	}
}
