package writer

import (
	"bytes"
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

	appconfig "pricefeed/config"
)

type uploaded struct {
	key      string
	body     []byte
	metadata map[string]string
}

type fakeUploader struct {
	mu      sync.Mutex
	objects []uploaded
	err     error
}

func (f *fakeUploader) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.objects = append(f.objects, uploaded{key: aws.ToString(in.Key), body: body, metadata: in.Metadata})
	f.mu.Unlock()
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeUploader) snapshot() []uploaded {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uploaded(nil), f.objects...)
}

func archiveConfig() *appconfig.Config {
	return &appconfig.Config{
		Pricefeed: appconfig.PricefeedConfig{Version: "1.0.0"},
		Storage:   appconfig.StorageConfig{S3: appconfig.S3Config{Bucket: "ticks-bucket"}},
		Writer: appconfig.WriterConfig{
			Buffer: appconfig.BufferConfig{ArchiveFlushInterval: time.Hour, MaxTicksPerSymbol: 3},
			Partitioning: appconfig.PartitioningConfig{
				Prefix:     "ticks",
				TimeFormat: "year={year}/month={month}/day={day}/hour={hour}",
			},
			Compression: "snappy",
		},
	}
}

func TestGenerateS3Key(t *testing.T) {
	a := newTickArchiver(archiveConfig(), &fakeUploader{})
	key := a.generateS3Key(archiveBatch{
		ID:        "0123456789abcdef",
		Symbol:    "EURUSD",
		Timestamp: time.Date(2024, 3, 7, 9, 4, 5, 0, time.UTC),
	})
	assert.Equal(t, "ticks/symbol=EURUSD/year=2024/month=03/day=07/hour=09/EURUSD_ticks_20240307090405_01234567.parquet", key)
}

func TestArchiverFlushUploadsParquetPerSymbol(t *testing.T) {
	up := &fakeUploader{}
	a := newTickArchiver(archiveConfig(), up)
	a.now = func() time.Time { return time.Date(2024, 3, 7, 9, 0, 0, 0, time.UTC) }

	a.Record(priced("EURUSD", 1))
	a.Record(priced("EURUSD", 2))
	a.Record(priced("BTCUSD", 65000))
	a.flushBuffers(context.Background(), "test")

	objects := up.snapshot()
	require.Len(t, objects, 2)
	assert.True(t, strings.HasPrefix(objects[0].key, "ticks/symbol=BTCUSD/year=2024/month=03/day=07/hour=09/"))
	assert.True(t, strings.HasPrefix(objects[1].key, "ticks/symbol=EURUSD/"))

	for _, o := range objects {
		require.Greater(t, len(o.body), 8)
		assert.True(t, bytes.HasPrefix(o.body, []byte("PAR1")))
		assert.True(t, bytes.HasSuffix(o.body, []byte("PAR1")))
		assert.Equal(t, "snappy", o.metadata["compression"])
		assert.Equal(t, "1.0.0", o.metadata["pricefeed-version"])
		assert.NotEmpty(t, o.metadata["batch-id"])
	}
	assert.Equal(t, "2", objects[1].metadata["record-count"])

	a.flushBuffers(context.Background(), "test")
	assert.Len(t, up.snapshot(), 2)
}

func TestArchiverFlushesFullBufferEarly(t *testing.T) {
	up := &fakeUploader{}
	a := newTickArchiver(archiveConfig(), up)
	require.NoError(t, a.Start(context.Background()))
	assert.Error(t, a.Start(context.Background()))

	for i := int64(0); i < 3; i++ {
		a.Record(priced("XAUUSD", 2650+i))
	}
	require.Eventually(t, func() bool { return len(up.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	a.Record(priced("XAUUSD", 2700))
	a.Stop()
	a.Stop()
	assert.Len(t, up.snapshot(), 2)
}

func TestArchiverUploadFailureIsNotFatal(t *testing.T) {
	up := &fakeUploader{err: errors.New("access denied")}
	a := newTickArchiver(archiveConfig(), up)
	a.Record(priced("EURUSD", 1))
	a.flushBuffers(context.Background(), "test")
	assert.Empty(t, up.snapshot())
}
