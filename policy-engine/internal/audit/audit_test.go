package audit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelhouse/catalog/policy-engine/internal/models"
)

type fakeWriter struct {
	failures int
	calls    int
	msgs     []kafka.Message
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("broker not available")
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

type fakeUploader struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakeUploader) Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	f.input = input
	if input.Body != nil {
		f.body, _ = io.ReadAll(input.Body)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &manager.UploadOutput{}, nil
}

func preparedRun() models.EvaluationRun {
	finished := time.Date(2026, 4, 9, 12, 30, 0, 0, time.UTC)
	return models.EvaluationRun{
		ID:                  "run-42",
		TargetPolicyID:      "pol-7",
		TargetPolicyVersion: 3,
		Status:              models.RunStatusPrepared,
		Progress:            models.ProgressStats{Processed: 3, Total: 3, Eligible: 2, Ineligible: 1},
		StartedAt:           finished.Add(-time.Minute),
		FinishedAt:          &finished,
	}
}

func TestKafkaPublisherRetriesAndKeysByPolicy(t *testing.T) {
	w := &fakeWriter{failures: 2}
	p := newKafkaPublisher(w, 3)
	p.backoff = time.Millisecond

	ev := RunEvent(preparedRun())
	require.NoError(t, p.Publish(context.Background(), ev))
	assert.Equal(t, 3, w.calls)
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "pol-7", string(w.msgs[0].Key))

	var decoded Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, EventRunPrepared, decoded.Type)
	assert.Equal(t, "run-42", decoded.RunID)
}

func TestKafkaPublisherGivesUp(t *testing.T) {
	w := &fakeWriter{failures: 10}
	p := newKafkaPublisher(w, 2)
	p.backoff = time.Millisecond

	err := p.Publish(context.Background(), Event{Type: EventPolicyPromoted, PolicyID: "pol-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.Equal(t, 2, w.calls)
}

func TestRunEventTypes(t *testing.T) {
	run := preparedRun()
	run.Status = models.RunStatusFailed
	run.FailureReason = "catalog unavailable"
	ev := RunEvent(run)
	assert.Equal(t, EventRunFailed, ev.Type)
	assert.Equal(t, "catalog unavailable", ev.Reason)

	run.Status = models.RunStatusCancelled
	assert.Equal(t, EventRunCancelled, RunEvent(run).Type)
}

func TestS3ArchiverWritesCanonicalDocument(t *testing.T) {
	up := &fakeUploader{}
	a := &S3Archiver{bucket: "archive", prefix: "policy-engine", uploader: up}

	key, err := a.ArchiveRun(context.Background(), preparedRun(), []string{"b", "a"})
	require.NoError(t, err)
	assert.Equal(t, "policy-engine/runs/2026/04/09/run-42.json", key)
	assert.Equal(t, "archive", *up.input.Bucket)

	sum := sha256.Sum256(up.body)
	assert.Equal(t, hex.EncodeToString(sum[:]), up.input.Metadata["sha256"])
	assert.True(t, bytes.HasPrefix(up.body, []byte(`{"eligibleIds":["a","b"],"run":{`)), string(up.body))

	again, checksum, err := encodeArchive(preparedRun(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, up.body, again)
	assert.Equal(t, up.input.Metadata["sha256"], checksum)
}

func TestS3ArchiverUploadError(t *testing.T) {
	a := &S3Archiver{bucket: "archive", uploader: &fakeUploader{err: errors.New("access denied")}}
	_, err := a.ArchiveRun(context.Background(), preparedRun(), nil)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "access denied"))
}

func TestCanonicalJSONSortsNestedKeys(t *testing.T) {
	out, err := canonicalJSON(map[string]interface{}{
		"z": 1,
		"a": map[string]interface{}{"y": true, "b": []interface{}{"x", nil}},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"b":["x",null],"y":true},"z":1}`, string(out))
}

func TestKafkaIntegration(t *testing.T) {
	brokers := os.Getenv("TEST_KAFKA_BROKERS")
	if brokers == "" {
		t.Skip("TEST_KAFKA_BROKERS not set; skipping kafka integration test")
	}
	p, err := NewKafkaPublisher(KafkaConfig{Brokers: strings.Split(brokers, ","), Topic: "policy-engine-test"})
	require.NoError(t, err)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	assert.NoError(t, p.Publish(ctx, RunEvent(preparedRun())))
}

func TestS3Integration(t *testing.T) {
	bucket := os.Getenv("TEST_S3_BUCKET")
	if bucket == "" {
		t.Skip("TEST_S3_BUCKET not set; skipping s3 integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	a, err := NewS3Archiver(ctx, bucket, "policy-engine-test")
	require.NoError(t, err)

	key, err := a.ArchiveRun(ctx, preparedRun(), []string{"t001", "t002"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "policy-engine-test/runs/"))
}
