package types

import (
	"encoding/json"
	"fmt"

	"github.com/dustin/go-humanize"
)

// Bytes is a byte count that reads and writes as a human readable size
// ("512MB", "1.5 GiB") in YAML and JSON.
type Bytes uint64

func (b Bytes) MarshalText() ([]byte, error) {
	return []byte(b.exact()), nil
}

func (b *Bytes) UnmarshalText(data []byte) error {
	return b.Set(string(data))
}

func (b Bytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.exact())
}

func (b *Bytes) UnmarshalJSON(data []byte) error {
	var num float64
	if err := json.Unmarshal(data, &num); err == nil {
		*b = Bytes(uint64(num))
		return nil
	}

	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return b.Set(raw)
}

func (b Bytes) String() string {
	return humanize.IBytes(uint64(b))
}

// exact formats b with the largest binary unit dividing it, so that
// parsing the result gives b back.
func (b Bytes) exact() string {
	units := []struct {
		size uint64
		name string
	}{
		{humanize.TiByte, "TiB"},
		{humanize.GiByte, "GiB"},
		{humanize.MiByte, "MiB"},
		{humanize.KiByte, "KiB"},
	}
	n := uint64(b)
	for _, u := range units {
		if n >= u.size && n%u.size == 0 {
			return fmt.Sprintf("%d%s", n/u.size, u.name)
		}
	}
	return fmt.Sprintf("%dB", n)
}

func (b *Bytes) UnmarshalYAML(unmarshal func(any) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}

	value, err := humanize.ParseBytes(raw)
	if err != nil {
		return fmt.Errorf("invalid byte string %q: %w", raw, err)
	}

	*b = Bytes(value)

	return nil
}

func (b Bytes) MarshalYAML() (any, error) {
	return b.exact(), nil
}

func (b Bytes) Bytes() uint64 {
	return uint64(b)
}

func (b Bytes) Int64() int64 {
	return int64(b)
}

// Set parses a human readable size, used by kong flags as well.
func (b *Bytes) Set(value string) error {
	parsed, err := humanize.ParseBytes(value)
	if err != nil {
		return err
	}
	*b = Bytes(parsed)
	return nil
}

// HumanBytes formats a signed byte count for log lines.
func HumanBytes(n int64) string {
	if n < 0 {
		return "-" + humanize.IBytes(uint64(-n))
	}
	return humanize.IBytes(uint64(n))
}
