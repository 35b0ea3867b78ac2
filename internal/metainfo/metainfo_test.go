package metainfo

import (
	"crypto/sha1"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	var tests = []struct {
		name   string
		given  func() string
		assert func(t *testing.T, actual *Descriptor, err error)
	}{
		{
			name: "single file torrent",
			given: func() string {
				var b strings.Builder
				b.WriteString("d")
				b.WriteString("8:announce26:http://tracker.example.com")
				b.WriteString("4:info")
				b.WriteString("d")
				b.WriteString("6:lengthi90000e")
				b.WriteString("4:name4:file")
				b.WriteString("12:piece lengthi32768e")
				b.WriteString("6:pieces60:0123456789abcdef01230123456789abcdef01230123456789abcdef0123")
				b.WriteString("e")
				b.WriteString("e")
				return b.String()
			},
			assert: func(t *testing.T, actual *Descriptor, err error) {
				assert.Nil(t, err)
				assert.Equal(t, "http://tracker.example.com", actual.Trackers[0])
				assert.Equal(t, int64(90000), actual.TotalSize)
				assert.Equal(t, 3, actual.PieceCount())
				assert.Len(t, actual.Files, 1)
				assert.Equal(t, "file", actual.Files[0].RelativePath)
			},
		},
		{
			name: "multi file torrent",
			given: func() string {
				var b strings.Builder
				b.WriteString("d")
				b.WriteString("8:announce26:http://tracker.example.com")
				b.WriteString("4:info")
				b.WriteString("d")
				b.WriteString("5:files")
				b.WriteString("l")
				b.WriteString("d6:lengthi1000e4:pathl10:subfolder19:file1.txtee")
				b.WriteString("d6:lengthi2000e4:pathl10:subfolder29:file2.txtee")
				b.WriteString("e")
				b.WriteString("4:name4:dirs")
				b.WriteString("12:piece lengthi1500e")
				b.WriteString("6:pieces40:0123456789abcdef01230123456789abcdef0123")
				b.WriteString("e")
				b.WriteString("e")
				return b.String()
			},
			assert: func(t *testing.T, actual *Descriptor, err error) {
				assert.Nil(t, err)
				assert.Equal(t, int64(3000), actual.TotalSize)
				assert.Len(t, actual.Files, 2)
				assert.Equal(t, int64(0), actual.Files[0].Offset)
				assert.Equal(t, int64(1000), actual.Files[1].Offset)
			},
		},
		{
			name: "mismatched piece count fails",
			given: func() string {
				var b strings.Builder
				b.WriteString("d8:announce26:http://tracker.example.com4:infod6:lengthi90000e4:name4:file12:piece lengthi32768e6:pieces20:01234567890123456789ee")
				return b.String()
			},
			assert: func(t *testing.T, actual *Descriptor, err error) {
				assert.ErrorIs(t, err, ErrInvalidMetainfo)
			},
		},
		{
			name: "missing pieces fails",
			given: func() string {
				return "d8:announce26:http://tracker.example.com4:infod6:lengthi90000e4:name4:file12:piece lengthi32768eee"
			},
			assert: func(t *testing.T, actual *Descriptor, err error) {
				assert.ErrorIs(t, err, ErrInvalidMetainfo)
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			actual, err := Parse(strings.NewReader(tt.given()))
			tt.assert(t, actual, err)
		})
	}
}

func TestInfoHashIsSHA1OfRawInfoBytes(t *testing.T) {
	infoBytes := "d6:lengthi32768e4:name4:file12:piece lengthi32768e6:pieces20:01234567890123456789e"
	doc := "d8:announce26:http://tracker.example.com4:info" + infoBytes + "e"
	d, err := Parse(strings.NewReader(doc))
	assert.Nil(t, err)
	assert.Equal(t, sha1.Sum([]byte(infoBytes)), d.InfoHash)
}

func TestS1SingleFileRoundTrip(t *testing.T) {
	// 65,537 bytes at piece_size=32768 yields 3 pieces, the last of size 1.
	pieces := strings.Repeat("01234567890123456789", 3)
	doc := "d8:announce4:none4:infod6:lengthi65537e4:name4:file12:piece lengthi32768e6:pieces" +
		"60:" + pieces + "ee"
	d, err := Parse(strings.NewReader(doc))
	assert.Nil(t, err)
	assert.Equal(t, 3, d.PieceCount())
	assert.EqualValues(t, 1, d.PieceLen(2))
}
