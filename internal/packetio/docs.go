package packetio

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/cpm-dev/cpm/internal/cas"
)

// WriteDocsJSONL writes one JSON object per line, LF-terminated, in the
// given chunk order (docs.jsonl row i corresponds to vectors.f16.bin row i,
// per spec invariant 1). The write is atomic.
func WriteDocsJSONL(path string, chunks []DocChunk) error {
	var buf []byte
	for _, c := range chunks {
		line, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal chunk %s: %w", c.ID, err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	return cas.WriteFileAtomic(path, buf, 0o644)
}

// ReadDocsJSONL reads docs.jsonl back into an ordered chunk slice.
func ReadDocsJSONL(path string) ([]DocChunk, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var chunks []DocChunk
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var c DocChunk
		if err := json.Unmarshal(line, &c); err != nil {
			return nil, fmt.Errorf("malformed docs.jsonl line: %w", err)
		}
		chunks = append(chunks, c)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return chunks, nil
}

// ByteOffsets returns the byte offset of the start of each line in a
// docs.jsonl file, enabling lazy single-row loads for the retrieval engine's
// cache-hit path (spec §4.4.2: "loaded lazily ... via a precomputed
// byte-offset table").
func ByteOffsets(path string) ([]int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var offsets []int64
	var pos int64
	reader := bufio.NewReader(f)
	for {
		offsets = append(offsets, pos)
		line, err := reader.ReadString('\n')
		pos += int64(len(line))
		if err != nil {
			break
		}
	}
	// Drop the trailing offset that points past EOF with no line there.
	if len(offsets) > 0 {
		offsets = offsets[:len(offsets)-1]
	}
	return offsets, nil
}

// ReadDocAt reads a single docs.jsonl row given its precomputed byte offset.
func ReadDocAt(path string, offset int64) (DocChunk, error) {
	f, err := os.Open(path)
	if err != nil {
		return DocChunk{}, err
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Seek(offset, 0); err != nil {
		return DocChunk{}, err
	}
	reader := bufio.NewReader(f)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return DocChunk{}, err
	}
	var c DocChunk
	if jerr := json.Unmarshal([]byte(line), &c); jerr != nil {
		return DocChunk{}, fmt.Errorf("malformed docs.jsonl row at offset %d: %w", offset, jerr)
	}
	return c, nil
}
