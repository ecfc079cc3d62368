package annindex

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/cpm-dev/cpm/internal/cas"
	"github.com/cpm-dev/cpm/internal/cpmerrors"
)

// fileMagic identifies the CPM flat-IP index format. It deliberately does
// not collide with a real FAISS file's magic bytes — this is a distinct,
// native format that happens to live at the same faiss/index.faiss path
// base spec §6.1 names, not an attempt to be FAISS-file-compatible.
const fileMagic = "CPMFIP01"

// Save writes idx to path as a fixed-layout binary blob: an 8-byte magic,
// then row count and dim as uint64 little-endian, then the row-major
// float32 matrix. Byte-identical input always produces byte-identical
// output, satisfying the reproducibility invariant base spec §8.1
// property 9 requires of the persisted index.
func Save(path string, idx *Index) error {
	buf := make([]byte, 0, len(fileMagic)+16+len(idx.vectors)*idx.dim*4)
	buf = append(buf, []byte(fileMagic)...)
	buf = appendUint64(buf, uint64(len(idx.vectors)))
	buf = appendUint64(buf, uint64(idx.dim))
	for _, row := range idx.vectors {
		for _, v := range row {
			buf = appendUint32(buf, math.Float32bits(v))
		}
	}
	return cas.WriteFileAtomic(path, buf, 0o644)
}

// Load reads an index previously written by Save.
func Load(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReader(f)
	magic := make([]byte, len(fileMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, cpmerrors.New(cpmerrors.ErrCodeIndexWriteFailed, "failed to read index header", err)
	}
	if string(magic) != fileMagic {
		return nil, cpmerrors.New(cpmerrors.ErrCodeIndexWriteFailed,
			fmt.Sprintf("unrecognized index file magic %q", magic), nil)
	}

	n, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	dim, err := readUint64(r)
	if err != nil {
		return nil, err
	}

	vectors := make([][]float32, n)
	for i := range vectors {
		row := make([]float32, dim)
		for j := range row {
			bits, err := readUint32(r)
			if err != nil {
				return nil, err
			}
			row[j] = math.Float32frombits(bits)
		}
		vectors[i] = row
	}
	return &Index{dim: int(dim), vectors: vectors}, nil
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func readUint64(r io.Reader) (uint64, error) {
	var tmp [8]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, cpmerrors.New(cpmerrors.ErrCodeIndexWriteFailed, "truncated index file", err)
	}
	return binary.LittleEndian.Uint64(tmp[:]), nil
}

func readUint32(r io.Reader) (uint32, error) {
	var tmp [4]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, cpmerrors.New(cpmerrors.ErrCodeIndexWriteFailed, "truncated index file", err)
	}
	return binary.LittleEndian.Uint32(tmp[:]), nil
}
