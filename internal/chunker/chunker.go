package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ComputeManifest streams filePath once, computing the whole-file sha256
// digest and each chunk's sha256 digest without buffering the whole file
// in memory.
func ComputeManifest(filePath string, options ChunkOptions) (*Manifest, error) {
	if options.ChunkSize <= 0 {
		options = DefaultChunkOptions()
	}

	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	fileInfo, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	fileSize := fileInfo.Size()
	fileName := filepath.Base(filePath)

	whole := sha256.New()

	if fileSize == 0 {
		return &Manifest{
			FileName:    fileName,
			Size:        0,
			ChunkSize:   options.ChunkSize,
			TotalChunks: 0,
			FileSha256:  hex.EncodeToString(whole.Sum(nil)),
			Chunks:      nil,
		}, nil
	}

	chunkCount := int(fileSize) / options.ChunkSize
	if int(fileSize)%options.ChunkSize != 0 {
		chunkCount++
	}

	chunks := make([]ChunkDescriptor, 0, chunkCount)
	buffer := make([]byte, options.ChunkSize)

	for i := 0; ; i++ {
		n, readErr := io.ReadFull(file, buffer)
		if readErr != nil && readErr != io.EOF && readErr != io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("failed to read chunk %d: %w", i, readErr)
		}
		if n == 0 {
			break
		}

		whole.Write(buffer[:n])

		chunkHasher := sha256.New()
		chunkHasher.Write(buffer[:n])

		chunks = append(chunks, ChunkDescriptor{
			Index:       i,
			ChunkSha256: hex.EncodeToString(chunkHasher.Sum(nil)),
			Length:      n,
		})

		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
	}

	return &Manifest{
		FileName:    fileName,
		Size:        fileSize,
		ChunkSize:   options.ChunkSize,
		TotalChunks: len(chunks),
		FileSha256:  hex.EncodeToString(whole.Sum(nil)),
		Chunks:      chunks,
	}, nil
}

// Chunker provides streaming chunking of data from an io.Reader.
type Chunker struct {
	reader    io.Reader
	chunkSize int
	buffer    []byte
}

// NewChunker creates a new streaming chunker.
func NewChunker(r io.Reader, chunkSize int) (*Chunker, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive")
	}
	return &Chunker{
		reader:    r,
		chunkSize: chunkSize,
		buffer:    make([]byte, chunkSize),
	}, nil
}

// Next returns the next chunk of data.
func (c *Chunker) Next() ([]byte, error) {
	n, err := io.ReadFull(c.reader, c.buffer)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	if n == 0 {
		return nil, io.EOF
	}
	return c.buffer[:n], nil
}

// ReadChunk reads a specific chunk from the file by index, for
// retransmission after a retry request.
func ReadChunk(filePath string, chunkIndex int, chunkSize int) ([]byte, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	offset := int64(chunkIndex) * int64(chunkSize)

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek to offset %d: %w", offset, err)
	}

	buffer := make([]byte, chunkSize)
	n, err := io.ReadFull(file, buffer)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("failed to read chunk: %w", err)
	}

	return buffer[:n], nil
}

// ChunkSha256 returns the hex-encoded sha256 digest of a chunk's bytes.
func ChunkSha256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
