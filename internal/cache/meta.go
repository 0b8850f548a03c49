package cache

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	metaFormatVersion = 1
	metaHeaderLen     = 4
	metaMaxBodyLen    = 9999
)

// ErrCorruptMeta is returned for sidecar files that cannot be trusted.
var ErrCorruptMeta = errors.New("cache: corrupt entry metadata")

// Meta is the sidecar record stored next to every payload file.
type Meta struct {
	Version   int
	CreatedAt time.Time
	Complete  bool
}

func newMeta(createdAt time.Time) Meta {
	return Meta{
		Version:   metaFormatVersion,
		CreatedAt: time.UnixMilli(createdAt.UnixMilli()),
	}
}

// encodeMeta renders "NNNN<version>,<createdAtMillis>,<complete>" where NNNN
// is the zero padded length of the body.
func encodeMeta(m Meta) []byte {
	body := fmt.Sprintf("%d,%d,%t", m.Version, m.CreatedAt.UnixMilli(), m.Complete)
	return []byte(fmt.Sprintf("%0*d%s", metaHeaderLen, len(body), body))
}

func decodeMeta(data []byte) (Meta, error) {
	if len(data) < metaHeaderLen {
		return Meta{}, fmt.Errorf("%w: %d bytes, header needs %d", ErrCorruptMeta, len(data), metaHeaderLen)
	}

	bodyLen, err := strconv.Atoi(string(data[:metaHeaderLen]))
	if err != nil || bodyLen < 0 || bodyLen > metaMaxBodyLen {
		return Meta{}, fmt.Errorf("%w: bad length header %q", ErrCorruptMeta, data[:metaHeaderLen])
	}

	body := data[metaHeaderLen:]
	if len(body) != bodyLen {
		return Meta{}, fmt.Errorf("%w: header says %d bytes, body has %d", ErrCorruptMeta, bodyLen, len(body))
	}

	parts := strings.Split(string(body), ",")
	if len(parts) != 3 {
		return Meta{}, fmt.Errorf("%w: want 3 fields, got %d", ErrCorruptMeta, len(parts))
	}

	version, err := strconv.Atoi(parts[0])
	if err != nil || version != metaFormatVersion {
		return Meta{}, fmt.Errorf("%w: unsupported version %q", ErrCorruptMeta, parts[0])
	}
	createdAt, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || createdAt < 0 {
		return Meta{}, fmt.Errorf("%w: bad creation time %q", ErrCorruptMeta, parts[1])
	}
	complete, err := strconv.ParseBool(parts[2])
	if err != nil {
		return Meta{}, fmt.Errorf("%w: bad completion flag %q", ErrCorruptMeta, parts[2])
	}

	return Meta{
		Version:   version,
		CreatedAt: time.UnixMilli(createdAt),
		Complete:  complete,
	}, nil
}

// readMeta returns fs.ErrNotExist (wrapped by os) when there is no sidecar and
// ErrCorruptMeta when there is one that does not parse.
func readMeta(path string) (Meta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Meta{}, err
	}
	return decodeMeta(data)
}

// writeMeta replaces the sidecar atomically so a crash never leaves half a
// record behind. The temp file lives in tmpDir, which must be on the same
// filesystem, so it never shows up in a listing of the files directory.
func writeMeta(path, tmpDir string, m Meta) error {
	tmp, err := os.CreateTemp(tmpDir, "meta-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp meta file: %w", err)
	}
	tmpName := tmp.Name()

	_, err = tmp.Write(encodeMeta(m))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write meta file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename meta file: %w", err)
	}
	return nil
}
