package config

import (
	"strconv"
	"strings"
)

// ByteSize decodes human-friendly size strings like "64MB" or "10KB".
type ByteSize int64

// UnmarshalText supports plain byte counts and KB/MB/GB suffixes.
func (b *ByteSize) UnmarshalText(data []byte) error {
	value := strings.TrimSpace(strings.ToUpper(string(data)))
	multiplier := int64(1)
	switch {
	case strings.HasSuffix(value, "GB"):
		multiplier = 1 << 30
		value = strings.TrimSuffix(value, "GB")
	case strings.HasSuffix(value, "MB"):
		multiplier = 1 << 20
		value = strings.TrimSuffix(value, "MB")
	case strings.HasSuffix(value, "KB"):
		multiplier = 1 << 10
		value = strings.TrimSuffix(value, "KB")
	case strings.HasSuffix(value, "B"):
		value = strings.TrimSuffix(value, "B")
	}
	num, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return err
	}
	*b = ByteSize(num * float64(multiplier))
	return nil
}
