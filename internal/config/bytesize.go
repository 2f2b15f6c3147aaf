package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// ByteSize is a byte count written as "64MB", "32MiB" or a plain integer.
// It decodes from environment variables, flags and YAML.
type ByteSize int64

func parseByteSize(raw string) (ByteSize, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		return ByteSize(v), nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return ByteSize(i), nil
	}
	return 0, fmt.Errorf("invalid size value: %q", raw)
}

// EnvDecode implements envconfig.Decoder.
func (s *ByteSize) EnvDecode(val string) error {
	v, err := parseByteSize(val)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = 0
		return nil
	}
	return s.EnvDecode(node.Value)
}

// Set implements flag.Value.
func (s *ByteSize) Set(val string) error {
	return s.EnvDecode(val)
}

// String implements flag.Value.
func (s ByteSize) String() string {
	if s < 0 {
		return strconv.FormatInt(int64(s), 10)
	}
	return humanize.IBytes(uint64(s))
}

// Int64 returns the size in bytes.
func (s ByteSize) Int64() int64 { return int64(s) }
