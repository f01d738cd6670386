// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package erasure implements the fixed 3+2 Reed-Solomon chunk codec and
// the length framing that precedes it.
package erasure

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/reedsolomon"
)

const (
	// DataShards is the number of shards needed to rebuild a chunk.
	DataShards = 3

	// ParityShards is the number of redundant shards per chunk.
	ParityShards = 2

	// TotalShards is the number of shards emitted per chunk.
	TotalShards = DataShards + ParityShards

	// ChunkSize is the amount of user data coded into one chunk, giving
	// 6 KiB shard payloads.
	ChunkSize = 18 * 1024

	// MaxChunks bounds the chunk count, which travels as a uint16.
	MaxChunks = 1<<16 - 1

	// FrameHeaderSize is the size of the little endian length prefix.
	FrameHeaderSize = 4
)

var (
	// ErrInsufficientShards is returned when fewer than DataShards shards
	// of a chunk are present.
	ErrInsufficientShards = errors.New("erasure: insufficient shards")

	// ErrInvalidShards is returned for malformed shard sets.
	ErrInvalidShards = errors.New("erasure: invalid shard set")

	// ErrInvalidFrame is returned when a length prefix exceeds its frame.
	ErrInvalidFrame = errors.New("erasure: invalid frame")

	// ErrTooLarge is returned when the input needs more than MaxChunks.
	ErrTooLarge = errors.New("erasure: input too large")
)

var (
	codecOnce sync.Once
	codec     reedsolomon.Encoder
)

func getCodec() reedsolomon.Encoder {
	codecOnce.Do(func() {
		var err error
		codec, err = reedsolomon.New(DataShards, ParityShards)
		if err != nil {
			panic("BUG: erasure: failed to build codec: " + err.Error())
		}
	})
	return codec
}

// NumChunks returns how many chunks n bytes of input occupy. Empty input
// still occupies one chunk.
func NumChunks(n int) int {
	if n == 0 {
		return 1
	}
	return (n + ChunkSize - 1) / ChunkSize
}

// ChunkAndEncode splits data into ChunkSize chunks and codes each into
// TotalShards equally sized shards. The result is indexed by chunk.
func ChunkAndEncode(data []byte) ([][][]byte, error) {
	nChunks := NumChunks(len(data))
	if err := checkChunks(nChunks); err != nil {
		return nil, err
	}

	enc := getCodec()
	chunks := make([][][]byte, nChunks)
	for c := 0; c < nChunks; c++ {
		start := c * ChunkSize
		end := min(start+ChunkSize, len(data))
		shards, err := encodeChunk(enc, data[start:end])
		if err != nil {
			return nil, fmt.Errorf("erasure: chunk %d: %w", c, err)
		}
		chunks[c] = shards
	}
	return chunks, nil
}

func checkChunks(n int) error {
	if n > MaxChunks {
		return ErrTooLarge
	}
	return nil
}

func encodeChunk(enc reedsolomon.Encoder, chunk []byte) ([][]byte, error) {
	shardLen := (len(chunk) + DataShards - 1) / DataShards
	if shardLen == 0 {
		shardLen = 1
	}

	buf := make([]byte, shardLen*TotalShards)
	copy(buf, chunk)
	shards := make([][]byte, TotalShards)
	for i := range shards {
		shards[i] = buf[i*shardLen : (i+1)*shardLen : (i+1)*shardLen]
	}
	if err := enc.Encode(shards); err != nil {
		return nil, err
	}
	return shards, nil
}

// Decode rebuilds one chunk from a TotalShards long slice where missing
// shards are nil. The result is truncated to maxLen when maxLen is
// positive and shorter than the padded chunk.
func Decode(shards [][]byte, maxLen int) ([]byte, error) {
	return DecodeAttempt(shards, maxLen, 0)
}

// DecodeAttempt is Decode for a chunk that may carry a corrupt shard.
// With more than DataShards shards present it rebuilds the codeword from
// every DataShards subset and keeps the ones agreeing with the most
// present shards; attempt selects among equally good subsets so that
// successive attempts try different ones.
func DecodeAttempt(shards [][]byte, maxLen, attempt int) ([]byte, error) {
	if len(shards) != TotalShards {
		return nil, ErrInvalidShards
	}

	var present []int
	shardLen := -1
	for i, s := range shards {
		if s == nil {
			continue
		}
		if shardLen == -1 {
			shardLen = len(s)
		} else if len(s) != shardLen {
			return nil, ErrInvalidShards
		}
		present = append(present, i)
	}
	if len(present) < DataShards {
		return nil, ErrInsufficientShards
	}
	if shardLen == 0 {
		return nil, ErrInvalidShards
	}

	var best [][][]byte
	bestScore := -1
	for _, subset := range subsets(present, DataShards) {
		work := make([][]byte, TotalShards)
		for _, i := range subset {
			work[i] = append([]byte(nil), shards[i]...)
		}
		if err := getCodec().Reconstruct(work); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidShards, err)
		}
		score := 0
		for _, i := range present {
			if bytes.Equal(work[i], shards[i]) {
				score++
			}
		}
		switch {
		case score > bestScore:
			best, bestScore = [][][]byte{work}, score
		case score == bestScore:
			best = append(best, work)
		}
	}
	if attempt < 0 {
		attempt = 0
	}
	work := best[attempt%len(best)]

	out := make([]byte, 0, shardLen*DataShards)
	for i := 0; i < DataShards; i++ {
		out = append(out, work[i]...)
	}
	if maxLen > 0 && maxLen < len(out) {
		out = out[:maxLen]
	}
	return out, nil
}

// subsets lists the k element subsets of idx in lexicographic order.
func subsets(idx []int, k int) [][]int {
	var out [][]int
	cur := make([]int, 0, k)
	var walk func(start int)
	walk = func(start int) {
		if len(cur) == k {
			out = append(out, append([]int(nil), cur...))
			return
		}
		for i := start; i <= len(idx)-(k-len(cur)); i++ {
			cur = append(cur, idx[i])
			walk(i + 1)
			cur = cur[:len(cur)-1]
		}
	}
	walk(0)
	return out
}

// Reassemble concatenates decoded chunks 0..totalChunks-1 and truncates
// the result to originalLen.
func Reassemble(chunks map[int][]byte, totalChunks int, originalLen int) ([]byte, error) {
	out := make([]byte, 0, totalChunks*ChunkSize)
	for c := 0; c < totalChunks; c++ {
		b, ok := chunks[c]
		if !ok {
			return nil, ErrInsufficientShards
		}
		out = append(out, b...)
	}
	if originalLen > len(out) {
		return nil, ErrInvalidFrame
	}
	return out[:originalLen], nil
}

// Frame prepends the little endian length of b.
func Frame(b []byte) []byte {
	out := make([]byte, FrameHeaderSize, FrameHeaderSize+len(b))
	binary.LittleEndian.PutUint32(out, uint32(len(b)))
	return append(out, b...)
}

// Unframe strips the length prefix written by Frame and any trailing
// erasure padding.
func Unframe(b []byte) ([]byte, error) {
	if len(b) < FrameHeaderSize {
		return nil, ErrInvalidFrame
	}
	n := binary.LittleEndian.Uint32(b)
	if uint64(n) > uint64(len(b)-FrameHeaderSize) {
		return nil, ErrInvalidFrame
	}
	return b[FrameHeaderSize : FrameHeaderSize+int(n)], nil
}

// EncodeFramed frames b and chunk-encodes the result.
func EncodeFramed(b []byte) ([][][]byte, error) {
	return ChunkAndEncode(Frame(b))
}

// DecodeFramed decodes every chunk of a complete shard set, indexed by
// chunk then shard, and strips the framing.
func DecodeFramed(chunks [][][]byte) ([]byte, error) {
	return DecodeFramedAttempt(chunks, 0)
}

// DecodeFramedAttempt is DecodeFramed using DecodeAttempt for each chunk.
func DecodeFramedAttempt(chunks [][][]byte, attempt int) ([]byte, error) {
	if err := checkChunks(len(chunks)); err != nil {
		return nil, err
	}
	decoded := make(map[int][]byte, len(chunks))
	total := 0
	for c, shards := range chunks {
		b, err := DecodeAttempt(shards, ChunkSize, attempt)
		if err != nil {
			return nil, fmt.Errorf("erasure: chunk %d: %w", c, err)
		}
		decoded[c] = b
		total += len(b)
	}
	framed, err := Reassemble(decoded, len(chunks), total)
	if err != nil {
		return nil, err
	}
	return Unframe(framed)
}
