// Package procmon reads and writes Process Monitor configuration files (.pmc).
//
// A configuration file is a flat sequence of named records. Each record starts with a
// 16 byte little-endian header:
//
//	recordSize u32 | headerSize u32 (0x10) | dataOffset u32 | dataSize u32
//
// followed by the NUL-terminated UTF-16LE record name and, at dataOffset, dataSize
// bytes of data. Records the package does not interpret are kept byte for byte.
package procmon

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"unicode/utf16"
)

const HeaderLen = 0x10

var (
	ErrShortHeader       = errors.New("procmon: short record header")
	ErrInvalidHeaderSize = errors.New("procmon: invalid record header size")
	ErrShortRecord       = errors.New("procmon: short record")
	ErrUnterminatedName  = errors.New("procmon: unterminated record name")
	ErrRecordNotFound    = errors.New("procmon: record not found")
	ErrInvalidValue      = errors.New("procmon: invalid record value")
)

type record struct {
	name string
	data []byte
	// raw is the record as read. It is dropped when the record is replaced.
	raw []byte
}

// Config is an ordered set of configuration records.
type Config struct {
	records []record
}

// Decode parses a configuration file.
func Decode(b []byte) (*Config, error) {
	c := &Config{}
	i := 0
	for i < len(b) {
		if len(b)-i < HeaderLen {
			return nil, ErrShortHeader
		}
		recordSize := binary.LittleEndian.Uint32(b[i : i+4])
		headerSize := binary.LittleEndian.Uint32(b[i+4 : i+8])
		dataOffset := binary.LittleEndian.Uint32(b[i+8 : i+12])
		dataSize := binary.LittleEndian.Uint32(b[i+12 : i+16])

		if headerSize != HeaderLen {
			return nil, fmt.Errorf("%w: %#x at offset %d", ErrInvalidHeaderSize, headerSize, i)
		}
		if dataOffset < HeaderLen ||
			uint64(dataOffset)+uint64(dataSize) > uint64(recordSize) ||
			uint64(recordSize) > uint64(len(b)-i) {
			return nil, fmt.Errorf("%w: at offset %d", ErrShortRecord, i)
		}

		rec := b[i : i+int(recordSize)]
		name, err := decodeUTF16Z(rec[HeaderLen:dataOffset])
		if err != nil {
			return nil, fmt.Errorf("%w: at offset %d", err, i)
		}

		c.records = append(c.records, record{
			name: name,
			data: bytes.Clone(rec[dataOffset : dataOffset+dataSize]),
			raw:  bytes.Clone(rec),
		})
		i += int(recordSize)
	}
	return c, nil
}

// Load reads a configuration from r.
func Load(r io.Reader) (*Config, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return Decode(b)
}

// LoadFile reads the configuration file at path.
func LoadFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(b)
}

// Encode returns the binary form of c. A decoded configuration whose records were not
// replaced encodes to the exact input bytes.
func (c *Config) Encode() []byte {
	out := make([]byte, 0)
	for _, r := range c.records {
		if r.raw != nil {
			out = append(out, r.raw...)
			continue
		}
		out = append(out, encodeRecord(r.name, r.data)...)
	}
	return out
}

// Dump writes the binary form of c to w.
func (c *Config) Dump(w io.Writer) error {
	_, err := w.Write(c.Encode())
	return err
}

// WriteFile writes the binary form of c to path.
func (c *Config) WriteFile(path string) error {
	return os.WriteFile(path, c.Encode(), 0o644)
}

// Names returns the record names in file order.
func (c *Config) Names() []string {
	out := make([]string, 0, len(c.records))
	for _, r := range c.records {
		out = append(out, r.name)
	}
	return out
}

// Record returns a copy of the data of the named record.
func (c *Config) Record(name string) ([]byte, error) {
	idx := c.index(name)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, name)
	}
	return bytes.Clone(c.records[idx].data), nil
}

// SetRecord replaces the data of the named record in place, or appends the record
// when c does not have it.
func (c *Config) SetRecord(name string, data []byte) {
	r := record{name: name, data: bytes.Clone(data)}
	if idx := c.index(name); idx >= 0 {
		c.records[idx] = r
		return
	}
	c.records = append(c.records, r)
}

func (c *Config) Uint32(name string) (uint32, error) {
	b, err := c.Record(name)
	if err != nil {
		return 0, err
	}
	if len(b) != 4 {
		return 0, fmt.Errorf("%w: %s: u32 of length %d", ErrInvalidValue, name, len(b))
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (c *Config) SetUint32(name string, v uint32) {
	c.SetRecord(name, binary.LittleEndian.AppendUint32(nil, v))
}

func (c *Config) String(name string) (string, error) {
	b, err := c.Record(name)
	if err != nil {
		return "", err
	}
	s, err := decodeUTF16Z(b)
	if err != nil {
		return "", fmt.Errorf("%w: %s", err, name)
	}
	return s, nil
}

func (c *Config) SetString(name, v string) {
	c.SetRecord(name, encodeUTF16Z(v))
}

func (c *Config) index(name string) int {
	for i, r := range c.records {
		if r.name == name {
			return i
		}
	}
	return -1
}

func encodeRecord(name string, data []byte) []byte {
	n := encodeUTF16Z(name)
	dataOffset := HeaderLen + len(n)

	buf := make([]byte, HeaderLen, dataOffset+len(data))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(dataOffset+len(data)))
	binary.LittleEndian.PutUint32(buf[4:8], HeaderLen)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(dataOffset))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(data)))
	buf = append(buf, n...)
	return append(buf, data...)
}

// encodeUTF16Z encodes s as NUL-terminated UTF-16LE.
func encodeUTF16Z(s string) []byte {
	units := utf16.Encode([]rune(s))
	out := make([]byte, 0, 2*(len(units)+1))
	for _, u := range units {
		out = binary.LittleEndian.AppendUint16(out, u)
	}
	return append(out, 0, 0)
}

// decodeUTF16Z decodes UTF-16LE up to the first NUL, which must be present.
func decodeUTF16Z(b []byte) (string, error) {
	units := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		u := binary.LittleEndian.Uint16(b[i : i+2])
		if u == 0 {
			return string(utf16.Decode(units)), nil
		}
		units = append(units, u)
	}
	return "", ErrUnterminatedName
}
