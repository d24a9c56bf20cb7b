package writer

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "tickflow/config"
	"tickflow/logger"
	"tickflow/models"
)

// archiveRecord is the parquet row layout for archived ticks.
type archiveRecord struct {
	Class      string  `parquet:"name=class, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp  string  `parquet:"name=timestamp, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price      float64 `parquet:"name=current_price, type=DOUBLE"`
	Volume     int64   `parquet:"name=volume, type=INT64"`
	Conditions string  `parquet:"name=conditions, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// memoryFileWriter implements ParquetFile interface for in-memory writing
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(name string) (source.ParquetFile, error) {
	return mfw, nil
}

func (mfw *memoryFileWriter) Open(name string) (source.ParquetFile, error) {
	return mfw, nil
}

func (mfw *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
	return int64(mfw.buffer.Len()), nil
}

func (mfw *memoryFileWriter) Read(b []byte) (int, error) {
	return mfw.buffer.Read(b)
}

func (mfw *memoryFileWriter) Write(b []byte) (int, error) {
	return mfw.buffer.Write(b)
}

func (mfw *memoryFileWriter) Close() error {
	return nil
}

func (mfw *memoryFileWriter) Bytes() []byte {
	return mfw.buffer.Bytes()
}

// ArchiveWriter batches normalized records per symbol class and flushes them
// to S3 as parquet files on an interval. It consumes the norm channel off
// the persistence path; a slow archive never delays record inserts.
type ArchiveWriter struct {
	config      *appconfig.Config
	normChan    <-chan models.NormalizedRecord
	s3Client    *s3.Client
	ctx         context.Context
	wg          *sync.WaitGroup
	mu          sync.RWMutex
	running     bool
	log         *logger.Log
	buffer      map[models.SymbolClass][]models.NormalizedRecord
	flushTicker *time.Ticker
}

// NewArchiveWriter creates the parquet archive writer. Requires S3 storage
// to be enabled.
func NewArchiveWriter(cfg *appconfig.Config, normChan <-chan models.NormalizedRecord) (*ArchiveWriter, error) {
	client, err := newS3Client(cfg)
	if err != nil {
		return nil, err
	}

	log := logger.GetLogger()
	log.WithComponent("archive_writer").WithFields(logger.Fields{
		"bucket":         cfg.Storage.S3.Bucket,
		"prefix":         cfg.Storage.Archive.Prefix,
		"flush_interval": cfg.Storage.Archive.FlushInterval.String(),
	}).Info("archive writer initialized")

	return &ArchiveWriter{
		config:   cfg,
		normChan: normChan,
		s3Client: client,
		wg:       &sync.WaitGroup{},
		log:      log,
	}, nil
}

func (w *ArchiveWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("archive writer already running")
	}
	w.running = true
	w.ctx = ctx
	w.buffer = make(map[models.SymbolClass][]models.NormalizedRecord)
	w.flushTicker = time.NewTicker(w.config.Storage.Archive.FlushInterval)
	w.mu.Unlock()

	w.wg.Add(1)
	go w.worker()

	w.log.WithComponent("archive_writer").Info("archive writer started")
	return nil
}

func (w *ArchiveWriter) Stop() {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.log.WithComponent("archive_writer").Info("stopping archive writer")
	w.wg.Wait()
	w.flushTicker.Stop()
	w.log.WithComponent("archive_writer").Info("archive writer stopped")
}

func (w *ArchiveWriter) worker() {
	defer w.wg.Done()

	log := w.log.WithComponent("archive_writer").WithFields(logger.Fields{"worker": "flush"})
	log.Info("starting archive worker")

	for {
		select {
		case <-w.ctx.Done():
			w.flushBuffers("shutdown")
			log.Info("archive worker stopped due to context cancellation")
			return
		case record, ok := <-w.normChan:
			if !ok {
				w.flushBuffers("channel closed")
				return
			}
			w.mu.Lock()
			w.buffer[record.Class] = append(w.buffer[record.Class], record)
			w.mu.Unlock()
		case <-w.flushTicker.C:
			w.flushBuffers("interval")
		}
	}
}

func (w *ArchiveWriter) flushBuffers(reason string) {
	w.mu.Lock()
	buffers := w.buffer
	w.buffer = make(map[models.SymbolClass][]models.NormalizedRecord)
	w.mu.Unlock()

	if len(buffers) == 0 {
		return
	}

	w.log.WithComponent("archive_writer").WithFields(logger.Fields{
		"flushed_buffers": len(buffers),
		"reason":          reason,
	}).Info("flushing archive buffers")

	for class, records := range buffers {
		if len(records) == 0 {
			continue
		}
		w.processBatch(class, records)
	}
}

func (w *ArchiveWriter) processBatch(class models.SymbolClass, records []models.NormalizedRecord) {
	log := w.log.WithComponent("archive_writer").WithFields(logger.Fields{
		"class":        string(class),
		"record_count": len(records),
		"operation":    "process_batch",
	})

	key := w.generateS3Key(class)
	log = log.WithFields(logger.Fields{"s3_key": key})

	data, err := w.createParquetFile(class, records)
	if err != nil {
		log.WithError(err).Error("failed to create parquet file")
		return
	}

	if err := w.uploadToS3(key, data); err != nil {
		log.WithError(err).Error("failed to upload archive batch")
		return
	}

	log.WithFields(logger.Fields{"file_size": len(data)}).Info("archive batch uploaded")
}

func (w *ArchiveWriter) generateS3Key(class models.SymbolClass) string {
	now := time.Now().UTC()
	filename := fmt.Sprintf("%s_%s_%s.parquet",
		strings.ToLower(string(class)),
		now.Format("20060102150405"),
		uuid.New().String()[:8])
	return path.Join(
		w.config.Storage.Archive.Prefix,
		fmt.Sprintf("class=%s", strings.ToLower(string(class))),
		now.Format("2006/01/02"),
		filename,
	)
}

func (w *ArchiveWriter) createParquetFile(class models.SymbolClass, records []models.NormalizedRecord) ([]byte, error) {
	fw := newMemoryFileWriter()

	pw, err := writer.NewParquetWriter(fw, new(archiveRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, rec := range records {
		row := archiveRecord{
			Class:      string(class),
			Timestamp:  rec.Timestamp,
			Price:      rec.CurrentPrice,
			Volume:     rec.Volume,
			Conditions: rec.Conditions,
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}

	return fw.Bytes(), nil
}

func (w *ArchiveWriter) uploadToS3(key string, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := w.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.config.Storage.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}
