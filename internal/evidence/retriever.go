// internal/evidence/retriever.go

// Package evidence streams recording artifacts from the device to local
// storage.
//
// Artifacts can be hundreds of megabytes, so they are copied in fixed-size
// chunks and never held in memory. A download either writes every byte the
// device announced or returns an error; a partially written destination is
// always reported as a *TransferError and left for the caller to remove.
package evidence

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/signalnine/cellwatch/internal/device"
	"github.com/signalnine/cellwatch/internal/fault"
)

const DefaultChunkSize = 32 << 10

// ErrIncomplete matches every *TransferError
var ErrIncomplete = errors.New("incomplete transfer")

// TransferError reports a download that stopped before the whole artifact
// was written. Written bytes may already be on disk at Path.
type TransferError struct {
	Path     string
	Written  int64
	Expected int64 // -1 when the device did not announce a length
	Err      error
}

func (e *TransferError) Error() string {
	want := "unknown"
	if e.Expected >= 0 {
		want = fmt.Sprint(e.Expected)
	}
	msg := fmt.Sprintf("incomplete transfer to %s: wrote %d of %s bytes", e.Path, e.Written, want)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransferError) Unwrap() error { return e.Err }

func (e *TransferError) Is(target error) bool { return target == ErrIncomplete }

// Opener opens a device download
type Opener interface {
	Download(ctx context.Context, path string) (*device.Stream, error)
}

// Recorder is told about each completed retrieval
type Recorder interface {
	RecordEvidence(ctx context.Context, r *Result) error
}

// Retriever downloads artifacts
type Retriever struct {
	source    Opener
	recorder  Recorder
	chunkSize int
	compress  bool
	logger    *slog.Logger
}

// Config for the retriever.
type Config struct {
	ChunkSize       int      // copy buffer size
	CompressRawLogs bool     // zstd-compress raw logs on the way to disk
	Recorder        Recorder // optional ledger
	Logger          *slog.Logger
}

// NewRetriever creates a retriever reading from source
func NewRetriever(source Opener, cfg Config) *Retriever {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Retriever{
		source:    source,
		recorder:  cfg.Recorder,
		chunkSize: cfg.ChunkSize,
		compress:  cfg.CompressRawLogs,
		logger:    cfg.Logger,
	}
}

// Result describes a completed retrieval
type Result struct {
	RecordingID string    `json:"recording_id,omitempty"` // empty for generic paths
	Kind        Kind      `json:"kind,omitempty"`         // empty for generic paths
	Source      string    `json:"source"`                 // device path or URL
	Path        string    `json:"path"`                   // local destination
	Bytes       int64     `json:"bytes"`                  // bytes received from the device
	Digest      string    `json:"digest"`                 // hex BLAKE3-256 of the received bytes
	Compressed  bool      `json:"compressed"`
	RetrievedAt time.Time `json:"retrieved_at"`
}

// Retrieve downloads one artifact of a recording to dest.
func (r *Retriever) Retrieve(ctx context.Context, id string, kind Kind, dest string) (*Result, error) {
	path, err := kind.Path(id)
	if err != nil {
		return nil, err
	}

	compress := r.compress && kind == RawLog
	res, err := r.retrieve(ctx, path, dest, compress)
	if err != nil {
		return nil, err
	}
	res.RecordingID = id
	res.Kind = kind

	r.record(ctx, res)
	return res, nil
}

// RetrievePath downloads an arbitrary device path or URL to dest.
func (r *Retriever) RetrievePath(ctx context.Context, path, dest string) (*Result, error) {
	res, err := r.retrieve(ctx, path, dest, false)
	if err != nil {
		return nil, err
	}
	r.record(ctx, res)
	return res, nil
}

func (r *Retriever) retrieve(ctx context.Context, path, dest string, compress bool) (*Result, error) {
	if strings.TrimSpace(dest) == "" {
		return nil, fault.Invalid("retrieve evidence", "empty destination")
	}

	// open the device stream first so a 404 never leaves an empty file behind
	stream, err := r.source.Download(ctx, path)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return nil, fmt.Errorf("create destination directory: %w", err)
	}
	f, err := os.Create(dest)
	if err != nil {
		return nil, fmt.Errorf("create destination: %w", err)
	}

	written, digest, copyErr := r.copyTo(ctx, f, stream, compress)
	closeErr := f.Close()

	if copyErr == nil && closeErr != nil {
		copyErr = fmt.Errorf("closing destination: %w", closeErr)
	}
	if copyErr != nil {
		r.logger.Warn("evidence transfer failed",
			"source", path,
			"dest", dest,
			"written", written,
			"expected", stream.Size,
			"error", copyErr)
		return nil, &TransferError{Path: dest, Written: written, Expected: stream.Size, Err: copyErr}
	}

	r.logger.Info("evidence retrieved", "source", path, "dest", dest, "bytes", written)

	return &Result{
		Source:      path,
		Path:        dest,
		Bytes:       written,
		Digest:      digest,
		Compressed:  compress,
		RetrievedAt: time.Now().UTC(),
	}, nil
}

// Stream copies a device path into w, returning the byte count and digest.
// w is owned by the caller and is not closed.
func (r *Retriever) Stream(ctx context.Context, path string, w io.Writer) (int64, string, error) {
	stream, err := r.source.Download(ctx, path)
	if err != nil {
		return 0, "", err
	}
	defer stream.Close()

	n, digest, err := r.copy(ctx, w, stream)
	if err != nil {
		return n, "", &TransferError{Path: path, Written: n, Expected: stream.Size, Err: err}
	}
	return n, digest, nil
}

// copyTo writes the stream into f, optionally through a zstd encoder
func (r *Retriever) copyTo(ctx context.Context, f *os.File, stream *device.Stream, compress bool) (int64, string, error) {
	if !compress {
		return r.copy(ctx, f, stream)
	}

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return 0, "", fmt.Errorf("create zstd encoder: %w", err)
	}
	n, digest, err := r.copy(ctx, enc, stream)
	if err != nil {
		enc.Close()
		return n, "", err
	}
	if err := enc.Close(); err != nil {
		return n, "", fmt.Errorf("flush zstd stream: %w", err)
	}
	return n, digest, nil
}

// copy moves the stream into w one chunk at a time and verifies the length
// against what the device announced.
func (r *Retriever) copy(ctx context.Context, w io.Writer, stream *device.Stream) (int64, string, error) {
	hasher := blake3.New()
	dst := io.MultiWriter(w, hasher)
	buf := make([]byte, r.chunkSize)

	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, "", fault.Classify("download", fault.Outcome{Err: err})
		}

		n, readErr := stream.Read(buf)
		if n > 0 {
			m, err := dst.Write(buf[:n])
			written += int64(m)
			if err != nil {
				return written, "", fmt.Errorf("write: %w", err)
			}
			if m != n {
				return written, "", fmt.Errorf("write: %w", io.ErrShortWrite)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return written, "", fault.Classify("download", fault.Outcome{Err: readErr})
		}
	}

	if stream.Size >= 0 && written != stream.Size {
		return written, "", fault.Classify("download", fault.Outcome{
			Err: fmt.Errorf("stream ended after %d of %d bytes: %w", written, stream.Size, io.ErrUnexpectedEOF),
		})
	}

	return written, hex.EncodeToString(hasher.Sum(nil)), nil
}

func (r *Retriever) record(ctx context.Context, res *Result) {
	if r.recorder == nil {
		return
	}
	if err := r.recorder.RecordEvidence(ctx, res); err != nil {
		r.logger.Warn("evidence ledger write failed", "dest", res.Path, "error", err)
	}
}
