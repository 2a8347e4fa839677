// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package logsink

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects how closed session files are packed
type Compression uint8

const (
	// CompressionNone leaves closed session files as plain text
	CompressionNone Compression = iota
	// CompressionZstd packs closed files as .zst, the better ratio for logs
	CompressionZstd
	// CompressionLZ4 packs closed files as .lz4 frames, the cheaper option
	CompressionLZ4
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

// Ext is the file suffix appended to compressed files
func (c Compression) Ext() string {
	switch c {
	case CompressionZstd:
		return ".zst"
	case CompressionLZ4:
		return ".lz4"
	default:
		return ""
	}
}

// ParseCompression parses a --compress value
func ParseCompression(name string) (Compression, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return CompressionNone, nil
	case "zstd", "zst":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", name)
	}
}

// CompressFile packs path into path+c.Ext() and removes the original.
// It returns the new path.
func CompressFile(path string, c Compression) (string, error) {
	if c == CompressionNone {
		return path, nil
	}

	src, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("compress: %w", err)
	}
	defer src.Close()

	dstPath := path + c.Ext()
	dst, err := os.Create(dstPath)
	if err != nil {
		return "", fmt.Errorf("compress: %w", err)
	}

	var enc io.WriteCloser
	switch c {
	case CompressionZstd:
		zw, err := zstd.NewWriter(dst, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			dst.Close()
			return "", fmt.Errorf("zstd writer: %w", err)
		}
		enc = zw
	case CompressionLZ4:
		enc = lz4.NewWriter(dst)
	default:
		dst.Close()
		return "", fmt.Errorf("unsupported compression: %s", c)
	}

	if _, err := io.Copy(enc, src); err != nil {
		enc.Close()
		dst.Close()
		return "", fmt.Errorf("compress %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		dst.Close()
		return "", fmt.Errorf("compress %s: %w", path, err)
	}
	if err := dst.Close(); err != nil {
		return "", fmt.Errorf("compress %s: %w", path, err)
	}
	src.Close()
	if err := os.Remove(path); err != nil {
		return "", fmt.Errorf("remove %s: %w", path, err)
	}
	return dstPath, nil
}

// readCloser pairs a decoder with the file under it
type readCloser struct {
	io.Reader
	close func() error
}

func (r readCloser) Close() error { return r.close() }

// Open opens a session or capture file, decompressing by extension
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	switch {
	case strings.HasSuffix(path, CompressionZstd.Ext()):
		dec, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		return readCloser{Reader: dec, close: func() error {
			dec.Close()
			return f.Close()
		}}, nil
	case strings.HasSuffix(path, CompressionLZ4.Ext()):
		return readCloser{Reader: lz4.NewReader(f), close: f.Close}, nil
	default:
		return f, nil
	}
}
