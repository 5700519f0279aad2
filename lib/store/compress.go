// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// outputCodec tags how a run's captured output column is encoded.
// Stored as an INTEGER next to the blob.
type outputCodec int64

const (
	codecNone outputCodec = 0
	codecLZ4  outputCodec = 1
	codecZstd outputCodec = 2
)

// Output below smallOutput is stored raw. Up to largeOutput it uses
// LZ4 block mode; beyond that zstd's better ratio pays for itself on
// long install logs.
const (
	smallOutput = 512
	largeOutput = 64 * 1024
)

var errIncompressible = errors.New("data is incompressible")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("store: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("store: zstd decoder initialization failed: " + err.Error())
	}
}

// compressOutput picks a codec by size and falls back to raw storage
// when compression does not shrink the data.
func compressOutput(data []byte) ([]byte, outputCodec) {
	if len(data) < smallOutput {
		return data, codecNone
	}
	if len(data) <= largeOutput {
		if compressed, err := compressLZ4(data); err == nil {
			return compressed, codecLZ4
		}
		return data, codecNone
	}
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return data, codecNone
	}
	return compressed, codecZstd
}

func decompressOutput(data []byte, codec outputCodec, size int) ([]byte, error) {
	switch codec {
	case codecNone:
		return data, nil
	case codecLZ4:
		destination := make([]byte, size)
		read, err := lz4.UncompressBlock(data, destination)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
		}
		return destination, nil
	case codecZstd:
		result, err := zstdDecoder.DecodeAll(data, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		return result, nil
	default:
		return nil, fmt.Errorf("unknown output codec %d", codec)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}
