package audit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/reelhouse/catalog/policy-engine/internal/metrics"
	"github.com/reelhouse/catalog/policy-engine/internal/models"
)

type objectUploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Archiver writes run archives to s3://<bucket>/<prefix>/runs/YYYY/MM/DD/<runID>.json.
type S3Archiver struct {
	bucket   string
	prefix   string
	uploader objectUploader
}

// NewS3Archiver picks up region and credentials from the standard AWS environment.
func NewS3Archiver(ctx context.Context, bucket, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Archiver{
		bucket:   bucket,
		prefix:   prefix,
		uploader: manager.NewUploader(s3.NewFromConfig(cfg)),
	}, nil
}

type runArchive struct {
	Run         archivedRun `json:"run"`
	EligibleIDs []string    `json:"eligibleIds"`
}

type archivedRun struct {
	ID            string               `json:"id"`
	PolicyID      string               `json:"policyId"`
	PolicyVersion int                  `json:"policyVersion"`
	Status        models.RunStatus     `json:"status"`
	Progress      models.ProgressStats `json:"progress"`
	FailureReason string               `json:"failureReason,omitempty"`
	StartedAt     string               `json:"startedAt"`
	FinishedAt    string               `json:"finishedAt,omitempty"`
}

// ArchiveKey is where a run's archive lives relative to the bucket.
func ArchiveKey(prefix string, run models.EvaluationRun) string {
	ts := run.StartedAt
	if run.FinishedAt != nil {
		ts = *run.FinishedAt
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	ts = ts.UTC()
	return path.Join(prefix, "runs",
		fmt.Sprintf("%04d", ts.Year()),
		fmt.Sprintf("%02d", int(ts.Month())),
		fmt.Sprintf("%02d", ts.Day()),
		run.ID+".json",
	)
}

// encodeArchive returns canonical bytes and their sha256 hex digest.
func encodeArchive(run models.EvaluationRun, eligibleIDs []string) ([]byte, string, error) {
	ids := append([]string(nil), eligibleIDs...)
	sort.Strings(ids)
	doc := runArchive{
		Run: archivedRun{
			ID:            run.ID,
			PolicyID:      run.TargetPolicyID,
			PolicyVersion: run.TargetPolicyVersion,
			Status:        run.Status,
			Progress:      run.Progress,
			FailureReason: run.FailureReason,
			StartedAt:     run.StartedAt.UTC().Format(time.RFC3339Nano),
		},
		EligibleIDs: ids,
	}
	if doc.EligibleIDs == nil {
		doc.EligibleIDs = []string{}
	}
	if run.FinishedAt != nil {
		doc.Run.FinishedAt = run.FinishedAt.UTC().Format(time.RFC3339Nano)
	}
	body, err := canonicalJSON(doc)
	if err != nil {
		return nil, "", err
	}
	sum := sha256.Sum256(body)
	return body, hex.EncodeToString(sum[:]), nil
}

func (s *S3Archiver) ArchiveRun(ctx context.Context, run models.EvaluationRun, eligibleIDs []string) (string, error) {
	body, checksum, err := encodeArchive(run, eligibleIDs)
	if err != nil {
		return "", err
	}
	key := ArchiveKey(s.prefix, run)
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/json"),
		Metadata:             map[string]string{"sha256": checksum},
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	metrics.RecordArchive(err)
	if err != nil {
		return "", fmt.Errorf("s3 upload failed: %w", err)
	}
	return key, nil
}
