package piecestore

import (
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jhenkens/research-bittorrent/internal/metainfo"
	"github.com/stretchr/testify/assert"
)

func singleFileDescriptor(t *testing.T, totalSize, pieceSize int64, data []byte) *metainfo.Descriptor {
	t.Helper()
	pieceCount := int((totalSize + pieceSize - 1) / pieceSize)
	hashes := make([][20]byte, pieceCount)
	for p := 0; p < pieceCount; p++ {
		start := int64(p) * pieceSize
		end := start + pieceSize
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		hashes[p] = sha1.Sum(data[start:end])
	}
	return &metainfo.Descriptor{
		Name:        "file.bin",
		Files:       []metainfo.File{{RelativePath: "file.bin", Size: totalSize, Offset: 0}},
		PieceSize:   pieceSize,
		PieceHashes: hashes,
		TotalSize:   totalSize,
	}
}

func TestWriteBlockThenVerify(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 65537)
	for i := range data {
		data[i] = byte(i)
	}
	desc := singleFileDescriptor(t, int64(len(data)), 32768, data)
	store := Open(desc, dir, nil)

	var verified []int
	store.OnVerified(func(p int) { verified = append(verified, p) })

	for p := 0; p < desc.PieceCount(); p++ {
		for b := 0; b < desc.BlockCount(p); b++ {
			off := int64(p)*desc.PieceSize + int64(b)*metainfo.BlockSize
			blen := metainfo.BlockSize
			if off+int64(blen) > int64(len(data)) {
				blen = int(int64(len(data)) - off)
			}
			err := store.WriteBlock(p, b, data[off:off+int64(blen)])
			assert.Nil(t, err)
		}
	}

	time.Sleep(20 * time.Millisecond) // callbacks fire asynchronously
	assert.True(t, store.IsVerified(0))
	assert.True(t, store.IsVerified(1))
	assert.True(t, store.IsVerified(2))
	assert.True(t, store.Complete())
	assert.ElementsMatch(t, []int{0, 1, 2}, verified)
	assert.EqualValues(t, len(data), store.Downloaded())
}

func TestS3CorruptionRejection(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 32768)
	for i := range data {
		data[i] = byte(i)
	}
	desc := singleFileDescriptor(t, int64(len(data)), 32768, data)
	store := Open(desc, dir, nil)

	var verifiedCount int
	store.OnVerified(func(p int) { verifiedCount++ })

	for b := 0; b < desc.BlockCount(0); b++ {
		off := int64(b) * metainfo.BlockSize
		assert.Nil(t, store.WriteBlock(0, b, data[off:off+metainfo.BlockSize]))
	}
	time.Sleep(20 * time.Millisecond)
	assert.True(t, store.IsVerified(0))

	// Flip one byte on disk directly, then re-verify.
	path := filepath.Join(dir, "file.bin")
	raw, err := os.ReadFile(path)
	assert.Nil(t, err)
	raw[0] ^= 0xFF
	assert.Nil(t, os.WriteFile(path, raw, 0644))

	store.Verify(0)
	assert.False(t, store.IsVerified(0))
	for b := 0; b < desc.BlockCount(0); b++ {
		assert.False(t, store.BlockAcquired(0, b))
	}
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, verifiedCount) // no second PieceVerified fired
}

func TestS2MultiFileTranslation(t *testing.T) {
	desc := &metainfo.Descriptor{
		Name: "torrent",
		Files: []metainfo.File{
			{RelativePath: "a", Size: 1000, Offset: 0},
			{RelativePath: "b", Size: 2000, Offset: 1000},
		},
		PieceSize:   1500,
		PieceHashes: make([][20]byte, 2),
		TotalSize:   3000,
	}
	dir := t.TempDir()
	store := Open(desc, dir, nil)

	payload := make([]byte, 500)
	for i := range payload {
		payload[i] = byte(i)
	}
	assert.Nil(t, store.WriteRange(800, payload))

	aData, err := os.ReadFile(filepath.Join(dir, "torrent", "a"))
	assert.Nil(t, err)
	assert.Equal(t, payload[:200], aData[800:1000])

	bData, err := os.ReadFile(filepath.Join(dir, "torrent", "b"))
	assert.Nil(t, err)
	assert.Equal(t, payload[200:], bData[:300])

	readBack := make([]byte, 500)
	assert.Nil(t, store.ReadRange(800, readBack))
	assert.Equal(t, payload, readBack)
}

func TestPartialAcquisitionLeavesBitsAlone(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 32768)
	desc := singleFileDescriptor(t, int64(len(data)), 32768, data)
	store := Open(desc, dir, nil)

	// Write only the first block; the piece isn't fully acquired, so the
	// verify that follows cannot succeed and must leave block_acquired alone.
	assert.Nil(t, store.WriteBlock(0, 0, make([]byte, metainfo.BlockSize)))
	assert.True(t, store.BlockAcquired(0, 0))
	assert.False(t, store.IsVerified(0))
}
