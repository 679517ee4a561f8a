package archive

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carebridge/gatekeeper/internal/config"
	"github.com/carebridge/gatekeeper/pkg/domain/audit"
	"github.com/carebridge/gatekeeper/pkg/logger"
)

type fakePutter struct {
	mu      sync.Mutex
	fail    error
	objects map[string][]byte
	inputs  []*s3.PutObjectInput
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.objects[aws.ToString(in.Key)] = body
	f.inputs = append(f.inputs, in)
	return &s3.PutObjectOutput{}, nil
}

func newArchiver(p ObjectPutter, maxBuffered int) *S3Archiver {
	a := NewS3Archiver(p, config.ArchiveConfig{
		Bucket:      "audit-archive",
		Prefix:      "/gatekeeper/audit/",
		MaxBuffered: maxBuffered,
	}, logger.NewNop())
	a.now = func() time.Time { return time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC) }
	return a
}

func events(t *testing.T, n int) []*audit.Event {
	t.Helper()
	out := make([]*audit.Event, n)
	for i := range out {
		ev, err := audit.NewEvent(audit.EventRequestThrottled, audit.SeverityLow, "throttled")
		require.NoError(t, err)
		out[i] = ev.WithSource("10.0.0.5", "").WithDetail("seq", i)
	}
	return out
}

func TestS3Archiver_FlushUploadsCompressedJSONL(t *testing.T) {
	p := &fakePutter{}
	a := newArchiver(p, 100)
	ctx := context.Background()

	evs := events(t, 3)
	require.NoError(t, a.Write(ctx, evs))
	assert.Equal(t, 3, a.Buffered())

	key, err := a.Flush(ctx)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "gatekeeper/audit/2026/03/01/"), key)
	assert.True(t, strings.HasSuffix(key, ".jsonl.zst"), key)
	assert.Zero(t, a.Buffered())

	require.Len(t, p.inputs, 1)
	assert.Equal(t, "audit-archive", aws.ToString(p.inputs[0].Bucket))
	assert.Equal(t, "zstd", aws.ToString(p.inputs[0].ContentEncoding))

	records, err := Decode(p.objects[key])
	require.NoError(t, err)
	require.Len(t, records, 3)
	for i, r := range records {
		assert.Equal(t, evs[i].ID().String(), r.ID)
		assert.Equal(t, audit.EventRequestThrottled, r.EventType)
	}
}

func TestS3Archiver_EmptyFlushIsNoop(t *testing.T) {
	p := &fakePutter{}
	a := newArchiver(p, 100)

	key, err := a.Flush(context.Background())
	require.NoError(t, err)
	assert.Empty(t, key)
	assert.Empty(t, p.inputs)
}

func TestS3Archiver_FailedUploadKeepsBatch(t *testing.T) {
	p := &fakePutter{fail: errors.New("503 slow down")}
	a := newArchiver(p, 100)
	ctx := context.Background()

	require.NoError(t, a.Write(ctx, events(t, 2)))
	_, err := a.Flush(ctx)
	require.Error(t, err)
	assert.Equal(t, 2, a.Buffered())

	require.NoError(t, a.Write(ctx, events(t, 1)))
	p.fail = nil
	key, err := a.Flush(ctx)
	require.NoError(t, err)

	records, err := Decode(p.objects[key])
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestS3Archiver_OverflowDropsOldest(t *testing.T) {
	a := newArchiver(&fakePutter{}, 3)
	ctx := context.Background()

	evs := events(t, 5)
	require.NoError(t, a.Write(ctx, evs))
	require.Equal(t, 3, a.Buffered())

	a.mu.Lock()
	first := a.pending[0].ID
	a.mu.Unlock()
	assert.Equal(t, evs[2].ID().String(), first)
}

func TestS3Archiver_CloseFlushes(t *testing.T) {
	p := &fakePutter{}
	a := newArchiver(p, 100)
	ctx := context.Background()

	require.NoError(t, a.Write(ctx, events(t, 1)))
	require.NoError(t, a.Close(ctx))
	assert.Len(t, p.objects, 1)
}

func TestDecode_RejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("not zstd"))
	assert.Error(t, err)
}
