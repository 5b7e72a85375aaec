package metainfo

import (
	"bytes"
	"crypto/sha1" // nolint: gosec
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSingleFile(t *testing.T) {
	info := "d6:lengthi10e4:name5:a.txt12:piece lengthi4e6:pieces40:" + string(bytes.Repeat([]byte{0}, 40)) + "e"
	raw := "d8:announce18:http://tracker.org4:info" + info + "e"

	m, err := Parse(bytes.NewReader([]byte(raw)))
	require.NoError(t, err)

	assert.Equal(t, "http://tracker.org", m.Announce)
	assert.Equal(t, [][]string{{"http://tracker.org"}}, m.AnnounceList)
	assert.EqualValues(t, 4, m.PieceLength)
	assert.Equal(t, int64(10), m.TotalLength)
	assert.Len(t, m.Files, 1)
	assert.Equal(t, "a.txt", m.Files[0].Path)
	assert.Equal(t, int64(0), m.Files[0].GlobalStartOffset)
	assert.Equal(t, int64(10), m.Files[0].Length)
	assert.Equal(t, 2, m.NumPieces())

	// info-hash must equal SHA1 of the raw "info" dict bytes, not a
	// re-encoding of the parsed struct.
	want := sha1.Sum([]byte(info)) // nolint: gosec
	assert.Equal(t, want[:], m.InfoHash.Bytes())
}

func TestParseMultiFile(t *testing.T) {
	files := "l" +
		"d6:lengthi5e4:pathl5:a.txtee" +
		"d6:lengthi7e4:pathl3:dir5:b.txtee" +
		"e"
	infoReal := "d5:files" + files + "4:name4:root12:piece lengthi4e6:pieces40:" + string(bytes.Repeat([]byte{0}, 40)) + "e"
	raw := "d8:announce4:http4:info" + infoReal + "e"

	m, err := Parse(bytes.NewReader([]byte(raw)))
	require.NoError(t, err)
	require.Len(t, m.Files, 2)
	assert.Equal(t, int64(0), m.Files[0].GlobalStartOffset)
	assert.Equal(t, int64(5), m.Files[1].GlobalStartOffset)
	assert.Equal(t, int64(12), m.TotalLength)
}

func TestParseAnnounceList(t *testing.T) {
	info := "d6:lengthi1e4:name1:a12:piece lengthi1e6:pieces20:" + string(bytes.Repeat([]byte{0}, 20)) + "e"
	raw := "d8:announce4:http13:announce-listl" + "l4:httpe" + "l3:udpe" + "e4:info" + info + "e"

	m, err := Parse(bytes.NewReader([]byte(raw)))
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"http"}, {"udp"}}, m.AnnounceList)
}

func TestParseMissingAnnounce(t *testing.T) {
	raw := "d4:infod6:lengthi1e4:name1:a12:piece lengthi1e6:pieces0:ee"
	_, err := Parse(bytes.NewReader([]byte(raw)))
	require.Error(t, err)
	var mfe *MissingFieldError
	ok := errorsAs(err, &mfe)
	require.True(t, ok)
	assert.Equal(t, "announce", mfe.Field)
}

func TestParseInvalidPieceHashes(t *testing.T) {
	raw := "d8:announce1:x4:infod6:lengthi1e4:name1:a12:piece lengthi1e6:pieces3:abcee"
	_, err := Parse(bytes.NewReader([]byte(raw)))
	assert.ErrorIs(t, err, ErrInvalidPieceHashes)
}

func errorsAs(err error, target **MissingFieldError) bool {
	if e, ok := err.(*MissingFieldError); ok {
		*target = e
		return true
	}
	return false
}
