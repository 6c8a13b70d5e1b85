package archive

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "marketflow/config"
	"marketflow/logger"
	"marketflow/models"
)

// How often accumulated trades are rolled into parquet objects.
const flushInterval = time.Minute

// TradeParquetRecord is the parquet row layout for archived trades.
type TradeParquetRecord struct {
	Exchange  string  `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol    string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp int64   `parquet:"name=timestamp, type=INT64"`
	Side      string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price     float64 `parquet:"name=price, type=DOUBLE"`
	Size      float64 `parquet:"name=size, type=DOUBLE"`
	TradeID   string  `parquet:"name=trade_id, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// memoryFileWriter implements the ParquetFile interface for in-memory writing.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(name string) (source.ParquetFile, error) { return mfw, nil }
func (mfw *memoryFileWriter) Open(name string) (source.ParquetFile, error)  { return mfw, nil }

func (mfw *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
	return int64(mfw.buffer.Len()), nil
}

func (mfw *memoryFileWriter) Read(b []byte) (int, error)  { return mfw.buffer.Read(b) }
func (mfw *memoryFileWriter) Write(b []byte) (int, error) { return mfw.buffer.Write(b) }
func (mfw *memoryFileWriter) Close() error                { return nil }
func (mfw *memoryFileWriter) Bytes() []byte               { return mfw.buffer.Bytes() }

// Writer is the cold-path archive: it mirrors flushed trade batches into
// partitioned parquet objects on S3. Hot-path ingestion is unaffected by
// archive health, the mirror channel hand-off is non-blocking on the
// producer side.
type Writer struct {
	config      appconfig.ArchiveConfig
	version     string
	batches     <-chan models.TradeBatch
	s3Client    *s3.Client
	ctx         context.Context
	wg          *sync.WaitGroup
	mu          sync.RWMutex
	running     bool
	log         *logger.Log
	buffer      map[string][]models.Trade
	flushTicker *time.Ticker
}

func NewWriter(cfg appconfig.ArchiveConfig, version string, batches <-chan models.TradeBatch) (*Writer, error) {
	log := logger.GetLogger()

	ctx := context.Background()

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3.Region),
	}
	if cfg.S3.AccessKeyID != "" && cfg.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.S3.AccessKeyID,
				cfg.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		log.WithComponent("archive_writer").WithError(err).Warn("failed to load AWS configuration")
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3.Endpoint)
		}
		o.UsePathStyle = cfg.S3.PathStyle
	})

	w := &Writer{
		config:   cfg,
		version:  version,
		batches:  batches,
		s3Client: s3Client,
		wg:       &sync.WaitGroup{},
		log:      log,
		buffer:   make(map[string][]models.Trade),
	}

	log.WithComponent("archive_writer").WithFields(logger.Fields{
		"bucket":     cfg.S3.Bucket,
		"region":     cfg.S3.Region,
		"endpoint":   cfg.S3.Endpoint,
		"path_style": cfg.S3.PathStyle,
	}).Info("archive writer initialized")

	return w, nil
}

func (w *Writer) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("archive writer already running")
	}
	w.running = true
	w.ctx = ctx
	w.flushTicker = time.NewTicker(flushInterval)
	w.mu.Unlock()

	log := w.log.WithComponent("archive_writer").WithFields(logger.Fields{"operation": "start"})
	log.Info("starting archive writer")

	w.wg.Add(2)
	go w.consumeWorker()
	go w.flushWorker()

	log.Info("archive writer started successfully")
	return nil
}

func (w *Writer) Stop() {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	w.log.WithComponent("archive_writer").Info("stopping archive writer")
	w.wg.Wait()

	// The queued writer's final drain mirrors its last batches after the
	// consume worker has already exited. Absorb them before the last flush
	// so shutdown loses nothing.
	w.drainMirror()
	w.flushBuffers("shutdown")
	w.log.WithComponent("archive_writer").Info("archive writer stopped")
}

// drainMirror empties whatever batches are still sitting in the mirror
// channel without blocking.
func (w *Writer) drainMirror() {
	for {
		select {
		case batch, ok := <-w.batches:
			if !ok {
				return
			}
			w.addBatch(batch)
		default:
			return
		}
	}
}

func (w *Writer) consumeWorker() {
	defer w.wg.Done()

	log := w.log.WithComponent("archive_writer").WithFields(logger.Fields{"worker": "consume"})
	log.Info("starting consume worker")

	for {
		select {
		case <-w.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case batch, ok := <-w.batches:
			if !ok {
				log.Info("mirror channel closed, worker stopping")
				return
			}
			w.addBatch(batch)
		}
	}
}

func (w *Writer) addBatch(batch models.TradeBatch) {
	w.mu.Lock()
	for _, trade := range batch.Trades {
		key := w.bufferKey(trade.Exchange, trade.Symbol)
		w.buffer[key] = append(w.buffer[key], trade)
	}
	w.mu.Unlock()
}

func (w *Writer) bufferKey(exchange, symbol string) string {
	return fmt.Sprintf("%s|%s", exchange, symbol)
}

func (w *Writer) flushWorker() {
	defer w.wg.Done()

	log := w.log.WithComponent("archive_writer").WithFields(logger.Fields{"worker": "flush"})
	log.Info("starting flush worker")

	for {
		select {
		case <-w.ctx.Done():
			// The shutdown flush happens in Stop, after the mirror
			// channel has been drained.
			log.Info("flush worker stopped due to context cancellation")
			return
		case <-w.flushTicker.C:
			w.flushBuffers("interval")
		}
	}
}

func (w *Writer) flushBuffers(reason string) {
	w.mu.Lock()
	buffers := w.buffer
	w.buffer = make(map[string][]models.Trade)
	w.mu.Unlock()

	if len(buffers) == 0 {
		return
	}

	w.log.WithComponent("archive_writer").WithFields(logger.Fields{
		"flushed_buffers": len(buffers),
		"reason":          reason,
	}).Info("flushing archive buffers")

	for key, trades := range buffers {
		if len(trades) == 0 {
			continue
		}
		parts := strings.SplitN(key, "|", 2)
		w.processGroup(parts[0], parts[1], trades)
	}
}

func (w *Writer) processGroup(exchange, symbol string, trades []models.Trade) {
	batchID := uuid.New().String()
	now := time.Now().UTC()

	log := w.log.WithComponent("archive_writer").WithFields(logger.Fields{
		"batch_id":     batchID,
		"exchange":     exchange,
		"symbol":       symbol,
		"record_count": len(trades),
		"operation":    "process_group",
	})

	s3Key := w.generateS3Key(exchange, symbol, now)
	log = log.WithFields(logger.Fields{"s3_key": s3Key})

	data, err := w.createParquetFile(trades)
	if err != nil {
		log.WithError(err).Error("failed to create parquet file")
		return
	}

	if err := w.uploadToS3(s3Key, data); err != nil {
		log.WithError(err).
			WithEnv("S3_BUCKET").
			WithFields(logger.Fields{"bucket": w.config.S3.Bucket}).
			Error("failed to upload to S3")
		return
	}

	log.WithFields(logger.Fields{"file_size": len(data)}).Info("trade group archived successfully")
}

func (w *Writer) generateS3Key(exchange, symbol string, ts time.Time) string {
	parts := []string{
		fmt.Sprintf("exchange=%s", exchange),
		fmt.Sprintf("symbol=%s", symbol),
		fmt.Sprintf("%04d/%02d/%02d/%02d", ts.Year(), ts.Month(), ts.Day(), ts.Hour()),
		fmt.Sprintf("%s_trades_%s_%s.parquet", exchange, symbol, ts.Format("20060102150405")),
	}
	return filepath.ToSlash(filepath.Join(parts...))
}

func (w *Writer) createParquetFile(trades []models.Trade) ([]byte, error) {
	fw := newMemoryFileWriter()

	pw, err := writer.NewParquetWriter(fw, new(TradeParquetRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	switch w.config.Compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, trade := range trades {
		record := TradeParquetRecord{
			Exchange:  trade.Exchange,
			Symbol:    trade.Symbol,
			Timestamp: trade.EventTime().UnixMicro(),
			Side:      string(trade.Side),
			Price:     trade.Price,
			Size:      trade.Size,
			TradeID:   trade.TradeID,
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

func (w *Writer) uploadToS3(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(w.config.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":       "parquet",
			"compression":        w.config.Compression,
			"marketflow-version": w.version,
		},
	}

	// Shutdown flushes must still complete their upload.
	ctx := context.WithoutCancel(w.ctx)
	_, err := w.s3Client.PutObject(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", w.config.S3.Bucket, err)
	}
	return nil
}
