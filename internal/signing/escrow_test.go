package signing

import (
	"context"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	objects map[string][]byte
	puts    []*s3.PutObjectInput
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = body
	f.puts = append(f.puts, in)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3Escrow_PutAndDelete(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{}}
	e := newS3Escrow(fake, "keys-bucket", "mailrice/dkim/")
	ctx := context.Background()

	require.NoError(t, e.Put(ctx, "test.com", "mail", []byte("PEM")))
	assert.Equal(t, []byte("PEM"), fake.objects["mailrice/dkim/test.com/mail.private"])
	require.Len(t, fake.puts, 1)
	assert.Equal(t, "keys-bucket", aws.ToString(fake.puts[0].Bucket))
	assert.Equal(t, types.ServerSideEncryptionAes256, fake.puts[0].ServerSideEncryption)

	require.NoError(t, e.Delete(ctx, "test.com", "mail"))
	assert.Empty(t, fake.objects)
}

func TestNewS3Escrow_RequiresBucket(t *testing.T) {
	_, err := NewS3Escrow(context.Background(), S3EscrowConfig{})
	assert.Error(t, err)
}
