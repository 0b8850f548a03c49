package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetaEncoding(t *testing.T) {
	created := time.UnixMilli(1700000000123)
	m := Meta{Version: metaFormatVersion, CreatedAt: created, Complete: true}

	data := encodeMeta(m)
	assert.Equal(t, "00201,1700000000123,true", string(data))

	decoded, err := decodeMeta(data)
	require.NoError(t, err)
	assert.Equal(t, m.Version, decoded.Version)
	assert.True(t, decoded.CreatedAt.Equal(created))
	assert.True(t, decoded.Complete)
}

func TestDecodeMetaRejectsCorruption(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty", ""},
		{"short header", "00"},
		{"non numeric header", "abcd1,1,true"},
		{"length too long", "00301,1700000000123,true"},
		{"length too short", "00101,1700000000123,true"},
		{"truncated body", "00201,1700000000123,tr"},
		{"two fields", "00151,1700000000123"},
		{"unknown version", "00209,1700000000123,true"},
		{"bad time", "00081,x,true"},
		{"bad flag", "00091,1,maybe"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeMeta([]byte(tt.data))
			assert.ErrorIs(t, err, ErrCorruptMeta)
		})
	}
}

func TestWriteMetaReplacesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/entry" + metaExt

	first := newMeta(time.UnixMilli(1000))
	require.NoError(t, writeMeta(path, dir, first))

	second := first
	second.Complete = true
	require.NoError(t, writeMeta(path, dir, second))

	got, err := readMeta(path)
	require.NoError(t, err)
	assert.True(t, got.Complete)
	assert.True(t, got.CreatedAt.Equal(time.UnixMilli(1000)))
}
