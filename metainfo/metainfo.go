// Package metainfo parses .torrent files into TorrentMetadata: the
// announce list, piece layout, file layout, and the info-hash that
// identifies the torrent to trackers and peers.
package metainfo

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/cenkalti/rain-leech/bencode"
	"github.com/cenkalti/rain-leech/internal/sha1util"
)

// MissingFieldError is returned when a required bencode key is absent.
type MissingFieldError struct{ Field string }

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("metainfo: missing required field %q", e.Field)
}

// FieldTypeMismatchError is returned when a key is present but has the
// wrong bencode type.
type FieldTypeMismatchError struct{ Field string }

func (e *FieldTypeMismatchError) Error() string {
	return fmt.Sprintf("metainfo: field %q has the wrong bencode type", e.Field)
}

var (
	ErrInvalidInfoDict    = errors.New("metainfo: info dict has neither \"length\" nor \"files\"")
	ErrInvalidPieceHashes = errors.New("metainfo: \"pieces\" length is not a multiple of 20")
)

// FileInfo describes one file within the torrent's content.
type FileInfo struct {
	Path              string
	GlobalStartOffset int64
	Length            int64
}

// TorrentMetadata is the parsed contents of a .torrent file.
type TorrentMetadata struct {
	Announce     string
	AnnounceList [][]string
	PieceLength  uint32
	PieceHashes  []byte
	Files        []FileInfo
	InfoHash     sha1util.Digest
	Name         string
	TotalLength  int64
}

// NumPieces returns the number of pieces described by PieceHashes.
func (m *TorrentMetadata) NumPieces() int {
	return len(m.PieceHashes) / sha1util.Size
}

// PieceHash returns the reference SHA-1 hash for piece i.
func (m *TorrentMetadata) PieceHash(i int) []byte {
	return m.PieceHashes[i*sha1util.Size : (i+1)*sha1util.Size]
}

// PieceSize returns the size in bytes of piece i, accounting for the
// final piece being shorter than PieceLength.
func (m *TorrentMetadata) PieceSize(i int) int64 {
	if i < m.NumPieces()-1 {
		return int64(m.PieceLength)
	}
	last := m.TotalLength - int64(i)*int64(m.PieceLength)
	return last
}

// Parse reads a bencoded .torrent file from r and builds its
// TorrentMetadata, including the info-hash computed from the exact bytes
// of the info dictionary as it appeared in the source.
func Parse(r io.ReadSeeker) (*TorrentMetadata, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	top, err := bencode.Decode(data)
	if err != nil {
		return nil, err
	}
	if top.Kind != bencode.KindDict {
		return nil, &FieldTypeMismatchError{Field: "<root>"}
	}

	announceVal, ok := top.Get("announce")
	if !ok {
		return nil, &MissingFieldError{Field: "announce"}
	}
	announce, err := announceVal.String()
	if err != nil {
		return nil, &FieldTypeMismatchError{Field: "announce"}
	}

	var tiers [][]string
	if alVal, ok := top.Get("announce-list"); ok {
		if alVal.Kind != bencode.KindList {
			return nil, &FieldTypeMismatchError{Field: "announce-list"}
		}
		for _, tierVal := range alVal.List {
			if tierVal.Kind != bencode.KindList {
				return nil, &FieldTypeMismatchError{Field: "announce-list"}
			}
			var tier []string
			for _, urlVal := range tierVal.List {
				s, err := urlVal.String()
				if err != nil {
					return nil, &FieldTypeMismatchError{Field: "announce-list"}
				}
				tier = append(tier, s)
			}
			if len(tier) > 0 {
				tiers = append(tiers, tier)
			}
		}
	}
	if len(tiers) == 0 {
		tiers = [][]string{{announce}}
	}

	infoVal, ok := top.Get("info")
	if !ok {
		return nil, &MissingFieldError{Field: "info"}
	}
	if infoVal.Kind != bencode.KindDict {
		return nil, &FieldTypeMismatchError{Field: "info"}
	}

	nameVal, ok := infoVal.Get("name")
	if !ok {
		return nil, &MissingFieldError{Field: "info.name"}
	}
	name, err := nameVal.String()
	if err != nil {
		return nil, &FieldTypeMismatchError{Field: "info.name"}
	}

	pieceLenVal, ok := infoVal.Get("piece length")
	if !ok {
		return nil, &MissingFieldError{Field: "info.piece length"}
	}
	pieceLen, err := pieceLenVal.AsInt()
	if err != nil {
		return nil, &FieldTypeMismatchError{Field: "info.piece length"}
	}

	piecesVal, ok := infoVal.Get("pieces")
	if !ok {
		return nil, &MissingFieldError{Field: "info.pieces"}
	}
	if piecesVal.Kind != bencode.KindBytes {
		return nil, &FieldTypeMismatchError{Field: "info.pieces"}
	}
	if len(piecesVal.Bytes)%sha1util.Size != 0 {
		return nil, ErrInvalidPieceHashes
	}

	files, totalLength, err := buildFiles(infoVal, name)
	if err != nil {
		return nil, err
	}

	infoHash := sha1util.Sum(data[infoVal.Start:infoVal.End])

	return &TorrentMetadata{
		Announce:     announce,
		AnnounceList: tiers,
		PieceLength:  uint32(pieceLen),
		PieceHashes:  piecesVal.Bytes,
		Files:        files,
		InfoHash:     infoHash,
		Name:         name,
		TotalLength:  totalLength,
	}, nil
}

// buildFiles resolves either the single-file "length" key or the
// multi-file "files" list into a flat, offset-tiled FileInfo slice.
func buildFiles(info bencode.Value, name string) ([]FileInfo, int64, error) {
	lengthVal, hasLength := info.Get("length")
	filesVal, hasFiles := info.Get("files")

	if !hasLength && !hasFiles {
		return nil, 0, ErrInvalidInfoDict
	}

	if hasLength && !hasFiles {
		length, err := lengthVal.AsInt()
		if err != nil {
			return nil, 0, &FieldTypeMismatchError{Field: "info.length"}
		}
		return []FileInfo{{Path: name, GlobalStartOffset: 0, Length: length}}, length, nil
	}

	if filesVal.Kind != bencode.KindList {
		return nil, 0, &FieldTypeMismatchError{Field: "info.files"}
	}

	var files []FileInfo
	var offset int64
	for _, fv := range filesVal.List {
		if fv.Kind != bencode.KindDict {
			return nil, 0, &FieldTypeMismatchError{Field: "info.files[]"}
		}
		lv, ok := fv.Get("length")
		if !ok {
			return nil, 0, &MissingFieldError{Field: "info.files[].length"}
		}
		length, err := lv.AsInt()
		if err != nil {
			return nil, 0, &FieldTypeMismatchError{Field: "info.files[].length"}
		}
		pv, ok := fv.Get("path")
		if !ok {
			return nil, 0, &MissingFieldError{Field: "info.files[].path"}
		}
		if pv.Kind != bencode.KindList {
			return nil, 0, &FieldTypeMismatchError{Field: "info.files[].path"}
		}
		components := make([]string, 0, len(pv.List)+1)
		components = append(components, name)
		for _, cv := range pv.List {
			s, err := cv.String()
			if err != nil {
				return nil, 0, &FieldTypeMismatchError{Field: "info.files[].path[]"}
			}
			components = append(components, s)
		}
		filePath := strings.Join(components, string(filepath.Separator))
		files = append(files, FileInfo{Path: filePath, GlobalStartOffset: offset, Length: length})
		offset += length
	}
	return files, offset, nil
}
