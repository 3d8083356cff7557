package io

import (
	"crypto/md5"
	"hash"
	"io"
)

type ChecksumWriter interface {
	io.Writer

	// Sum returns the checksum of everything written so far.
	Sum() []byte
}

type ChecksumReader interface {
	io.Reader

	// Sum returns the checksum of everything read so far.
	Sum() []byte
}

type md5Writer struct {
	dest io.Writer
	md5  hash.Hash
}

// NewMD5Writer tees writes into an MD5 digest on their way to dest.
func NewMD5Writer(dest io.Writer) ChecksumWriter {
	return &md5Writer{dest: dest, md5: md5.New()}
}

func (w *md5Writer) Write(buf []byte) (int, error) {
	w.md5.Write(buf)
	return w.dest.Write(buf)
}

func (w *md5Writer) Sum() []byte {
	return w.md5.Sum(nil)
}

type md5Reader struct {
	source io.Reader
	md5    hash.Hash
}

// NewMD5Reader digests bytes as they are read from source.
func NewMD5Reader(source io.Reader) ChecksumReader {
	return &md5Reader{source: source, md5: md5.New()}
}

func (r *md5Reader) Read(p []byte) (int, error) {
	n, err := r.source.Read(p)
	if 0 < n {
		r.md5.Write(p[:n])
	}
	return n, err
}

func (r *md5Reader) Sum() []byte {
	return r.md5.Sum(nil)
}
