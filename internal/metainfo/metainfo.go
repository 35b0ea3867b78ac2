// Package metainfo parses the bencoded .torrent container format into a
// structured, immutable descriptor and computes its infohash.
package metainfo

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/jhenkens/research-bittorrent/internal/bencode"
)

// ErrInvalidMetainfo is returned when a torrent file is structurally
// invalid: the info dictionary, piece length, or pieces field is absent,
// pieces is not a multiple of 20 bytes, or the declared total length does
// not match the piece count.
var ErrInvalidMetainfo = errors.New("metainfo: invalid torrent file")

// BlockSize is the spec-mandated request granularity for peer-wire
// Request/Piece messages.
const BlockSize = 16 * 1024

const hashSize = 20

// File describes one file within the torrent's logical byte vector.
type File struct {
	RelativePath string
	Size         int64
	Offset       int64
}

// Descriptor is the parsed, immutable view of a .torrent file.
type Descriptor struct {
	Name        string
	Files       []File
	PieceSize   int64
	PieceHashes [][hashSize]byte
	InfoHash    [hashSize]byte
	Trackers    []string
	IsPrivate   *bool // nil = absent, else explicit true/false
	TotalSize   int64
}

// PieceCount returns the number of piece hashes. Parse only accepts
// torrents where this equals ceil(TotalSize/PieceSize).
func (d *Descriptor) PieceCount() int {
	return len(d.PieceHashes)
}

// PieceLen returns the byte length of piece p, accounting for a final
// piece shorter than PieceSize.
func (d *Descriptor) PieceLen(p int) int64 {
	if p < 0 || p >= d.PieceCount() {
		return 0
	}
	if p == d.PieceCount()-1 {
		last := d.TotalSize - int64(p)*d.PieceSize
		if last > 0 {
			return last
		}
	}
	return d.PieceSize
}

// BlockCount returns the number of blocks in piece p.
func (d *Descriptor) BlockCount(p int) int {
	n := d.PieceLen(p)
	return int((n + BlockSize - 1) / BlockSize)
}

// Parse decodes a .torrent file from r and builds its descriptor.
func Parse(r io.Reader) (*Descriptor, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("metainfo: reading torrent file: %w", err)
	}

	top, _, err := bencode.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMetainfo, err)
	}
	dict, ok := top.(bencode.Dict)
	if !ok {
		return nil, fmt.Errorf("%w: top-level value is not a dictionary", ErrInvalidMetainfo)
	}

	infoRaw, ok, err := bencode.RawValue(raw, "info")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMetainfo, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: missing info dictionary", ErrInvalidMetainfo)
	}
	infoVal, ok := dict["info"]
	if !ok {
		return nil, fmt.Errorf("%w: missing info dictionary", ErrInvalidMetainfo)
	}
	info, ok := infoVal.(bencode.Dict)
	if !ok {
		return nil, fmt.Errorf("%w: info is not a dictionary", ErrInvalidMetainfo)
	}

	d := &Descriptor{InfoHash: sha1.Sum(infoRaw)}

	name, _ := info["name"].([]byte)
	d.Name = string(name)

	pieceLen, ok := info["piece length"].(int64)
	if !ok || pieceLen <= 0 {
		return nil, fmt.Errorf("%w: missing or invalid piece length", ErrInvalidMetainfo)
	}
	d.PieceSize = pieceLen

	piecesRaw, ok := info["pieces"].([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: missing pieces", ErrInvalidMetainfo)
	}
	if len(piecesRaw)%hashSize != 0 {
		return nil, fmt.Errorf("%w: pieces length %d is not a multiple of %d", ErrInvalidMetainfo, len(piecesRaw), hashSize)
	}
	for i := 0; i < len(piecesRaw); i += hashSize {
		var h [hashSize]byte
		copy(h[:], piecesRaw[i:i+hashSize])
		d.PieceHashes = append(d.PieceHashes, h)
	}

	if err := parseFiles(d, info); err != nil {
		return nil, err
	}

	expectedPieces := (d.TotalSize + d.PieceSize - 1) / d.PieceSize
	if expectedPieces != int64(len(d.PieceHashes)) {
		return nil, fmt.Errorf("%w: piece count %d does not match total length %d at piece size %d", ErrInvalidMetainfo, len(d.PieceHashes), d.TotalSize, d.PieceSize)
	}

	if priv, ok := info["private"].(int64); ok {
		b := priv != 0
		d.IsPrivate = &b
	}

	d.Trackers = parseTrackers(dict)

	return d, nil
}

func parseFiles(d *Descriptor, info bencode.Dict) error {
	if length, ok := info["length"].(int64); ok {
		if length < 0 {
			return fmt.Errorf("%w: negative file length", ErrInvalidMetainfo)
		}
		d.Files = []File{{RelativePath: d.Name, Size: length, Offset: 0}}
		d.TotalSize = length
		return nil
	}

	filesVal, ok := info["files"].(bencode.List)
	if !ok {
		return fmt.Errorf("%w: missing length or files", ErrInvalidMetainfo)
	}

	var offset int64
	for _, entry := range filesVal {
		fd, ok := entry.(bencode.Dict)
		if !ok {
			return fmt.Errorf("%w: file entry is not a dictionary", ErrInvalidMetainfo)
		}
		length, ok := fd["length"].(int64)
		if !ok || length < 0 {
			return fmt.Errorf("%w: file entry missing valid length", ErrInvalidMetainfo)
		}
		pathList, ok := fd["path"].(bencode.List)
		if !ok || len(pathList) == 0 {
			return fmt.Errorf("%w: file entry missing path", ErrInvalidMetainfo)
		}
		parts := make([]string, 0, len(pathList))
		for _, p := range pathList {
			pb, ok := p.([]byte)
			if !ok {
				return fmt.Errorf("%w: path component is not a string", ErrInvalidMetainfo)
			}
			parts = append(parts, string(pb))
		}
		d.Files = append(d.Files, File{
			RelativePath: filepath.Join(parts...),
			Size:         length,
			Offset:       offset,
		})
		offset += length
	}
	d.TotalSize = offset
	return nil
}

// parseTrackers resolves the announce-list/announce open question: prefer
// announce-list (BEP-12) when present, flattening its tiers in order,
// falling back to the scalar announce field, and appending it only if not
// already present. The result is a deduplicated, ordered tracker list
// computed once here rather than re-derived at announce time.
func parseTrackers(dict bencode.Dict) []string {
	seen := make(map[string]struct{})
	var trackers []string

	add := func(url string) {
		if url == "" {
			return
		}
		if _, ok := seen[url]; ok {
			return
		}
		seen[url] = struct{}{}
		trackers = append(trackers, url)
	}

	if listVal, ok := dict["announce-list"].(bencode.List); ok {
		for _, tierVal := range listVal {
			tier, ok := tierVal.(bencode.List)
			if !ok {
				continue
			}
			for _, urlVal := range tier {
				if urlBytes, ok := urlVal.([]byte); ok {
					add(string(urlBytes))
				}
			}
		}
	}

	if announce, ok := dict["announce"].([]byte); ok {
		add(string(announce))
	}

	return trackers
}
