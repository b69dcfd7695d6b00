package evidence

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUploader struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (f *fakeUploader) Upload(_ context.Context, in *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, _ := io.ReadAll(in.Body)
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, body)
	return &manager.UploadOutput{}, nil
}

func TestS3Archiver_Archive(t *testing.T) {
	up := &fakeUploader{}
	a := NewS3ArchiverWithUploader("cover-evidence", "claims/", up).
		WithClock(func() time.Time { return time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC) })

	uri, err := a.Archive(context.Background(), "clm_1", []byte(`{"log":"timeout"}`))
	require.NoError(t, err)
	assert.Equal(t, "s3://cover-evidence/claims/2026/03/04/clm_1.json", uri)

	require.Len(t, up.inputs, 1)
	in := up.inputs[0]
	assert.Equal(t, "cover-evidence", aws.ToString(in.Bucket))
	assert.Equal(t, "claims/2026/03/04/clm_1.json", aws.ToString(in.Key))
	assert.Equal(t, "application/json", aws.ToString(in.ContentType))
	assert.Equal(t, s3types.ServerSideEncryptionAes256, in.ServerSideEncryption)
	assert.Equal(t, `{"log":"timeout"}`, string(up.bodies[0]))
}

func TestS3Archiver_Errors(t *testing.T) {
	up := &fakeUploader{err: errors.New("access denied")}
	a := NewS3ArchiverWithUploader("b", "", up)

	_, err := a.Archive(context.Background(), "clm_1", nil)
	assert.ErrorIs(t, err, ErrEmptyEvidence)

	_, err = a.Archive(context.Background(), "clm_1", []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
}

func TestNewS3Archiver_RequiresBucket(t *testing.T) {
	_, err := NewS3Archiver(context.Background(), "", "claims/")
	assert.ErrorIs(t, err, ErrNoBucket)
}

func TestMemoryArchiver(t *testing.T) {
	a := NewMemoryArchiver()
	raw := []byte(`{"a":1}`)
	uri, err := a.Archive(context.Background(), "clm_9", raw)
	require.NoError(t, err)
	assert.Equal(t, "memory://claims/clm_9.json", uri)

	raw[0] = 'x'
	got, err := a.Get(uri)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(got))

	_, err = a.Get("memory://claims/none.json")
	assert.ErrorIs(t, err, ErrNotFound)
}
