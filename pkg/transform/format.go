package transform

import (
	"fmt"

	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// Format is a compression format for mirrored content.
type Format string

const (
	Zstd Format = "zstd"
	Gzip Format = "gzip"
)

var formatToString = map[Format]string{
	Zstd: "zstd",
	Gzip: "gzip",
}

var stringToFormat = util.InvertMap(formatToString)

func (f Format) String() string {
	if str, ok := formatToString[f]; ok {
		return str
	}
	return fmt.Sprintf("unknown_compression_format(%s)", string(f))
}

func ParseFormat(s string) (Format, error) {
	if format, ok := stringToFormat[s]; ok {
		return format, nil
	}
	return "", fmt.Errorf("invalid compression format: %q. Must be 'zstd' or 'gzip'", s)
}

// MarshalText implements encoding.TextMarshaler so the format reads the same
// in JSON, TOML and YAML configuration files.
func (f Format) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *Format) UnmarshalText(data []byte) error {
	format, err := ParseFormat(string(data))
	if err != nil {
		return err
	}
	*f = format
	return nil
}

// Level is the trade-off between speed and size of the compression.
type Level string

const (
	Default Level = "default"
	Fastest Level = "fastest"
	Better  Level = "better"
	Best    Level = "best"
)

var levelToString = map[Level]string{
	Default: "default",
	Fastest: "fastest",
	Better:  "better",
	Best:    "best",
}

var stringToLevel = util.InvertMap(levelToString)

func (l Level) String() string {
	if str, ok := levelToString[l]; ok {
		return str
	}
	return string(Default)
}

// ParseLevel parses a compression level. An empty string selects Default.
func ParseLevel(s string) (Level, error) {
	if s == "" {
		return Default, nil
	}
	if l, ok := stringToLevel[s]; ok {
		return l, nil
	}
	return "", fmt.Errorf("invalid compression level: %q. Must be 'default', 'fastest', 'better', or 'best'", s)
}

func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(data []byte) error {
	level, err := ParseLevel(string(data))
	if err != nil {
		return err
	}
	*l = level
	return nil
}
