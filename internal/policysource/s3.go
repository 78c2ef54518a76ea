package policysource

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/linnemanlabs-admission/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-admission/internal/log"
	"github.com/keithlinneman/linnemanlabs-admission/internal/policy"
	"github.com/keithlinneman/linnemanlabs-admission/internal/xerrors"
)

// DefaultMaxDocumentBytes bounds a policy document download.
const DefaultMaxDocumentBytes = 1 << 20

// subsets of the AWS clients, tests substitute fakes
type ssmAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// SignatureVerifier checks a detached signature over a document.
// *cryptoutil.KMSVerifier implements it.
type SignatureVerifier interface {
	VerifySignature(ctx context.Context, message, signature []byte) error
}

var _ SignatureVerifier = (*cryptoutil.KMSVerifier)(nil)

type S3Options struct {
	Logger log.Logger

	// SSM parameter holding the SHA-256 of the active document
	SSMParam string

	// documents live at s3://{bucket}/{prefix}/{sha256}.yaml
	Bucket string
	Prefix string

	// Verifier, when set, requires s3://{bucket}/{prefix}/{sha256}.yaml.sig
	// to hold a valid signature over the document bytes.
	Verifier SignatureVerifier

	MaxBytes int64

	// AWS config (uses default if nil)
	AWSConfig *aws.Config
}

// S3Source serves documents published to S3 and pointed at by an SSM parameter.
// Publishing is upload first, then flip the parameter, so a reader never sees
// a digest whose object is missing.
type S3Source struct {
	opts   S3Options
	ssm    ssmAPI
	s3     s3API
	logger log.Logger
}

func NewS3Source(ctx context.Context, opts S3Options) (*S3Source, error) {
	if opts.SSMParam == "" {
		return nil, xerrors.New("SSMParam is required")
	}
	if opts.Bucket == "" {
		return nil, xerrors.New("Bucket is required")
	}

	var awsCfg aws.Config
	var err error
	if opts.AWSConfig != nil {
		awsCfg = *opts.AWSConfig
	} else {
		awsCfg, err = config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, xerrors.Wrap(err, "load AWS config")
		}
	}
	return newS3Source(opts, ssm.NewFromConfig(awsCfg), s3.NewFromConfig(awsCfg)), nil
}

func newS3Source(opts S3Options, ssmClient ssmAPI, s3Client s3API) *S3Source {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxDocumentBytes
	}
	opts.Prefix = strings.Trim(opts.Prefix, "/")
	return &S3Source{
		opts:   opts,
		ssm:    ssmClient,
		s3:     s3Client,
		logger: opts.Logger,
	}
}

// CurrentVersion reads the active document digest from SSM.
func (s *S3Source) CurrentVersion(ctx context.Context) (string, error) {
	out, err := s.ssm.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(s.opts.SSMParam),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", s.opts.SSMParam)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", s.opts.SSMParam)
	}

	digest := strings.ToLower(strings.TrimSpace(*out.Parameter.Value))
	if !cryptoutil.IsSHA256Hex(digest) {
		return "", xerrors.Newf("SSM parameter %s does not hold a sha256 hex digest", s.opts.SSMParam)
	}
	return digest, nil
}

func (s *S3Source) objectKey(digest string) string {
	return path.Join(s.opts.Prefix, digest+".yaml")
}

// Load downloads the document with the given digest, checks its checksum and
// signature and parses it.
func (s *S3Source) Load(ctx context.Context, digest string) (*policy.Set, error) {
	if !cryptoutil.IsSHA256Hex(digest) {
		return nil, xerrors.Newf("invalid policy digest %q", digest)
	}
	key := s.objectKey(digest)

	data, err := s.get(ctx, key)
	if err != nil {
		return nil, err
	}

	// our policy is to always use cryptoutil/HashEqual for comparing hashes
	actual := cryptoutil.SHA256Hex(data)
	if !cryptoutil.HashEqual(actual, digest) {
		return nil, xerrors.Newf("checksum mismatch for s3://%s/%s: expected %s, got %s", s.opts.Bucket, key, digest, actual)
	}

	if s.opts.Verifier != nil {
		raw, err := s.get(ctx, key+".sig")
		if err != nil {
			return nil, xerrors.Wrap(err, "policy signature required")
		}
		if err := s.opts.Verifier.VerifySignature(ctx, data, decodeSignature(raw)); err != nil {
			return nil, xerrors.Wrapf(err, "verify signature of s3://%s/%s", s.opts.Bucket, key)
		}
		s.logger.Info(ctx, "policy document signature verified",
			"key", key,
		)
	}

	return parse(data, digest, "s3://"+s.opts.Bucket+"/"+key)
}

func (s *S3Source) get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get S3 object s3://%s/%s", s.opts.Bucket, key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, s.opts.MaxBytes+1))
	if err != nil {
		return nil, xerrors.Wrapf(err, "read S3 object s3://%s/%s", s.opts.Bucket, key)
	}
	if int64(len(data)) > s.opts.MaxBytes {
		return nil, xerrors.Newf("S3 object s3://%s/%s exceeds %d bytes", s.opts.Bucket, key, s.opts.MaxBytes)
	}
	return data, nil
}

// decodeSignature accepts the raw signature or the base64 text the AWS CLI writes.
func decodeSignature(raw []byte) []byte {
	trimmed := bytes.TrimSpace(raw)
	if dec, err := base64.StdEncoding.DecodeString(string(trimmed)); err == nil && len(dec) > 0 {
		return dec
	}
	return raw
}
