package writer

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "pricefeed/config"
	"pricefeed/internal/metrics"
	"pricefeed/logger"
	"pricefeed/models"
)

// TickRecord is one row of an archived parquet file.
type TickRecord struct {
	Symbol     string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Source     string  `parquet:"name=source, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp  int64   `parquet:"name=timestamp, type=INT64"`
	Bid        float64 `parquet:"name=bid, type=DOUBLE"`
	Ask        float64 `parquet:"name=ask, type=DOUBLE"`
	Mid        float64 `parquet:"name=mid, type=DOUBLE"`
	Spread     float64 `parquet:"name=spread, type=DOUBLE"`
	SpreadPips float64 `parquet:"name=spread_pips, type=DOUBLE"`
}

// memoryFileWriter implements source.ParquetFile over a byte buffer.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(string) (source.ParquetFile, error) { return mfw, nil }
func (mfw *memoryFileWriter) Open(string) (source.ParquetFile, error)   { return mfw, nil }

// Seek only reports the current size; the writer never seeks backwards.
func (mfw *memoryFileWriter) Seek(int64, int) (int64, error) { return int64(mfw.buffer.Len()), nil }
func (mfw *memoryFileWriter) Read(b []byte) (int, error)     { return mfw.buffer.Read(b) }
func (mfw *memoryFileWriter) Write(b []byte) (int, error)    { return mfw.buffer.Write(b) }
func (mfw *memoryFileWriter) Close() error                   { return nil }
func (mfw *memoryFileWriter) Bytes() []byte                  { return mfw.buffer.Bytes() }

// objectUploader is the part of *s3.Client the archiver needs.
type objectUploader interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type archiveBatch struct {
	ID        string
	Symbol    string
	Ticks     []models.Tick
	Timestamp time.Time
}

// TickArchiver buffers every priced tick per symbol and periodically writes
// each buffer as a parquet object to S3.
type TickArchiver struct {
	config    *appconfig.Config
	uploader  objectUploader
	bucket    string
	maxTicks  int
	interval  time.Duration
	bufferMu  sync.Mutex
	buffer    map[string][]models.Tick
	full      chan struct{}
	flushLock sync.Mutex
	now       func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

func NewTickArchiver(cfg *appconfig.Config) (*TickArchiver, error) {
	log := logger.GetLogger()
	client, err := newS3Client(context.Background(), cfg)
	if err != nil {
		log.WithComponent("tick_archiver").WithError(err).Warn("failed to create s3 client")
		return nil, err
	}
	a := newTickArchiver(cfg, client)
	log.WithComponent("tick_archiver").WithFields(logger.Fields{
		"bucket":     cfg.Storage.S3.Bucket,
		"region":     cfg.Storage.S3.Region,
		"endpoint":   cfg.Storage.S3.Endpoint,
		"path_style": cfg.Storage.S3.PathStyle,
	}).Info("tick archiver initialized")
	return a, nil
}

func newS3Client(ctx context.Context, cfg *appconfig.Config) (*s3.Client, error) {
	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Storage.S3.Region),
	}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsConfig.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	return s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	}), nil
}

func newTickArchiver(cfg *appconfig.Config, uploader objectUploader) *TickArchiver {
	interval := cfg.Writer.Buffer.ArchiveFlushInterval
	if interval <= 0 {
		interval = time.Minute
	}
	return &TickArchiver{
		config:   cfg,
		uploader: uploader,
		bucket:   cfg.Storage.S3.Bucket,
		maxTicks: cfg.Writer.Buffer.MaxTicksPerSymbol,
		interval: interval,
		buffer:   make(map[string][]models.Tick),
		full:     make(chan struct{}, 1),
		now:      time.Now,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

// Record appends the tick to its symbol buffer. A buffer reaching the
// configured size triggers an early flush.
func (a *TickArchiver) Record(t models.Tick) {
	a.bufferMu.Lock()
	a.buffer[t.Symbol] = append(a.buffer[t.Symbol], t)
	size := len(a.buffer[t.Symbol])
	a.bufferMu.Unlock()

	if a.maxTicks > 0 && size >= a.maxTicks {
		select {
		case a.full <- struct{}{}:
		default:
		}
	}
}

func (a *TickArchiver) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return fmt.Errorf("tick archiver already running")
	}
	a.running = true
	a.ctx, a.cancel = context.WithCancel(ctx)

	a.wg.Add(1)
	go a.flushWorker()

	a.log.WithComponent("tick_archiver").WithFields(logger.Fields{
		"interval":  a.interval.String(),
		"max_ticks": a.maxTicks,
	}).Info("tick archiver started")
	return nil
}

func (a *TickArchiver) flushWorker() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			a.flushBuffers(context.WithoutCancel(a.ctx), "shutdown")
			return
		case <-ticker.C:
			a.flushBuffers(a.ctx, "interval")
		case <-a.full:
			a.flushBuffers(a.ctx, "size")
		}
	}
}

func (a *TickArchiver) flushBuffers(ctx context.Context, reason string) {
	a.flushLock.Lock()
	defer a.flushLock.Unlock()

	a.bufferMu.Lock()
	buffers := a.buffer
	a.buffer = make(map[string][]models.Tick)
	a.bufferMu.Unlock()

	if len(buffers) == 0 {
		return
	}

	a.log.WithComponent("tick_archiver").WithFields(logger.Fields{
		"flushed_buffers": len(buffers),
		"reason":          reason,
	}).Debug("flushing buffers")

	symbols := make([]string, 0, len(buffers))
	for symbol := range buffers {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	now := a.now()
	for _, symbol := range symbols {
		ticks := buffers[symbol]
		if len(ticks) == 0 {
			continue
		}
		a.processBatch(ctx, archiveBatch{
			ID:        uuid.New().String(),
			Symbol:    symbol,
			Ticks:     ticks,
			Timestamp: now,
		})
	}
}

func (a *TickArchiver) processBatch(ctx context.Context, batch archiveBatch) {
	key := a.generateS3Key(batch)
	log := a.log.WithComponent("tick_archiver").WithFields(logger.Fields{
		"batch_id": batch.ID,
		"symbol":   batch.Symbol,
		"ticks":    len(batch.Ticks),
		"s3_key":   key,
	})

	start := time.Now()
	data, err := a.createParquetFile(batch.Ticks)
	if err != nil {
		metrics.WriterFlush("s3", "error")
		log.WithError(err).Error("failed to create parquet file")
		return
	}

	if err := a.uploadToS3(ctx, key, batch, data); err != nil {
		metrics.WriterFlush("s3", "error")
		log.WithError(err).
			WithEnv("S3_BUCKET").
			WithFields(logger.Fields{"bucket": a.bucket}).
			Error("failed to upload to S3")
		return
	}

	metrics.WriterFlush("s3", "ok")
	logger.LogPerformanceEntry(log, "tick_archiver", "archive_batch", time.Since(start), logger.Fields{
		"file_size": len(data),
	})
}

// generateS3Key builds prefix/symbol=X/<time partition>/<file>.parquet.
func (a *TickArchiver) generateS3Key(batch archiveBatch) string {
	ts := batch.Timestamp.UTC()

	var parts []string
	if prefix := strings.Trim(a.config.Writer.Partitioning.Prefix, "/"); prefix != "" {
		parts = append(parts, prefix)
	}
	parts = append(parts, fmt.Sprintf("symbol=%s", batch.Symbol))

	timeFormat := a.config.Writer.Partitioning.TimeFormat
	if timeFormat == "" {
		timeFormat = "year={year}/month={month}/day={day}/hour={hour}"
	}
	timePath := strings.ReplaceAll(timeFormat, "{year}", fmt.Sprintf("%04d", ts.Year()))
	timePath = strings.ReplaceAll(timePath, "{month}", fmt.Sprintf("%02d", ts.Month()))
	timePath = strings.ReplaceAll(timePath, "{day}", fmt.Sprintf("%02d", ts.Day()))
	timePath = strings.ReplaceAll(timePath, "{hour}", fmt.Sprintf("%02d", ts.Hour()))
	parts = append(parts, timePath)

	id := batch.ID
	if len(id) > 8 {
		id = id[:8]
	}
	filename := fmt.Sprintf("%s_ticks_%s_%s.parquet", batch.Symbol, ts.Format("20060102150405"), id)

	return path.Join(append(parts, filename)...)
}

func (a *TickArchiver) createParquetFile(ticks []models.Tick) ([]byte, error) {
	fw := newMemoryFileWriter()

	pw, err := writer.NewParquetWriter(fw, new(TickRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	switch a.config.Writer.Compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, t := range ticks {
		record := TickRecord{
			Symbol:     t.Symbol,
			Source:     t.Source,
			Timestamp:  t.TimestampMillis,
			Bid:        t.Bid.InexactFloat64(),
			Ask:        t.Ask.InexactFloat64(),
			Mid:        t.Mid.InexactFloat64(),
			Spread:     t.Spread.InexactFloat64(),
			SpreadPips: t.SpreadPips.InexactFloat64(),
		}
		if err := pw.Write(record); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return fw.Bytes(), nil
}

func (a *TickArchiver) uploadToS3(ctx context.Context, key string, batch archiveBatch, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":      "parquet",
			"compression":       a.config.Writer.Compression,
			"batch-id":          batch.ID,
			"record-count":      fmt.Sprintf("%d", len(batch.Ticks)),
			"pricefeed-version": a.config.Pricefeed.Version,
		},
	}

	uploadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := a.uploader.PutObject(uploadCtx, input); err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", a.bucket, err)
	}
	return nil
}

func (a *TickArchiver) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.mu.Unlock()

	a.log.WithComponent("tick_archiver").Info("stopping tick archiver")
	a.cancel()
	a.wg.Wait()
	a.log.WithComponent("tick_archiver").Info("tick archiver stopped")
}
