//go:build unit

package procmon_test

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"testing"
	"unicode/utf16"

	"github.com/alexandremahdhaoui/cvex/pkg/procmon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rawRecord builds a record by hand, with padding zero bytes after the name.
func rawRecord(name string, padding int, data []byte) []byte {
	var n []byte
	for _, u := range utf16.Encode([]rune(name)) {
		n = binary.LittleEndian.AppendUint16(n, u)
	}
	n = append(n, 0, 0)
	n = append(n, make([]byte, padding)...)

	dataOffset := 16 + len(n)
	b := binary.LittleEndian.AppendUint32(nil, uint32(dataOffset+len(data)))
	b = binary.LittleEndian.AppendUint32(b, 16)
	b = binary.LittleEndian.AppendUint32(b, uint32(dataOffset))
	b = binary.LittleEndian.AppendUint32(b, uint32(len(data)))
	b = append(b, n...)
	return append(b, data...)
}

func TestDecodeEncode_RoundTrip(t *testing.T) {
	t.Run("default configuration", func(t *testing.T) {
		in := procmon.DefaultConfig().Encode()

		c, err := procmon.Decode(in)
		require.NoError(t, err)
		assert.Equal(t, in, c.Encode())
	})

	t.Run("unknown records are kept byte for byte", func(t *testing.T) {
		in := append(rawRecord("Vendor", 6, []byte{0xde, 0xad, 0xbe, 0xef, 0x01}),
			rawRecord("HistoryDepth", 0, []byte{0xc7, 0, 0, 0})...)

		c, err := procmon.Decode(in)
		require.NoError(t, err)
		assert.Equal(t, []string{"Vendor", "HistoryDepth"}, c.Names())
		assert.Equal(t, in, c.Encode())

		depth, err := c.Uint32("HistoryDepth")
		require.NoError(t, err)
		assert.Equal(t, uint32(199), depth)

		data, err := c.Record("Vendor")
		require.NoError(t, err)
		assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef, 0x01}, data)
	})

	t.Run("empty filter rules", func(t *testing.T) {
		c := procmon.DefaultConfig()
		require.NoError(t, c.SetFilterRules(nil))
		in := c.Encode()

		data, err := c.Record(procmon.RecordFilterRules)
		require.NoError(t, err)
		assert.Equal(t, []byte{1, 0, 0, 0, 0}, data)

		decoded, err := procmon.Decode(in)
		require.NoError(t, err)
		assert.Equal(t, in, decoded.Encode())

		rules, err := decoded.FilterRules()
		require.NoError(t, err)
		assert.Empty(t, rules)
	})

	t.Run("empty file", func(t *testing.T) {
		c, err := procmon.Decode(nil)
		require.NoError(t, err)
		assert.Empty(t, c.Names())
		assert.Empty(t, c.Encode())
	})
}

// TestSetFilterRules_OnlyReplacesFilterRules verifies that replacing the filter leaves
// every other record byte-identical.
func TestSetFilterRules_OnlyReplacesFilterRules(t *testing.T) {
	vendor := rawRecord("Vendor", 4, []byte{1, 2, 3})
	base := procmon.DefaultConfig().Encode()
	in := append(append([]byte{}, vendor...), base...)

	c, err := procmon.Decode(in)
	require.NoError(t, err)
	require.NoError(t, c.SetFilterRules([]procmon.Rule{procmon.IncludeProcess("evil.exe")}))

	out := c.Encode()
	assert.True(t, bytes.HasPrefix(out, vendor))

	decoded, err := procmon.Decode(out)
	require.NoError(t, err)
	assert.Equal(t, c.Names(), decoded.Names())

	original, err := procmon.Decode(in)
	require.NoError(t, err)
	for _, name := range original.Names() {
		if name == procmon.RecordFilterRules {
			continue
		}
		want, err := original.Record(name)
		require.NoError(t, err)
		got, err := decoded.Record(name)
		require.NoError(t, err)
		assert.Equal(t, want, got, name)
	}

	rules, err := decoded.FilterRules()
	require.NoError(t, err)
	assert.Equal(t, []procmon.Rule{{
		Column:   procmon.ColumnProcessName,
		Relation: procmon.RelationContains,
		Value:    "evil.exe",
		Action:   procmon.ActionInclude,
	}}, rules)
}

func TestDecode_Errors(t *testing.T) {
	valid := rawRecord("Autoscroll", 0, []byte{0, 0, 0, 0})

	badHeaderSize := append([]byte{}, valid...)
	binary.LittleEndian.PutUint32(badHeaderSize[4:8], 0x20)

	unterminated := append([]byte{}, valid...)
	// Overwrite the NUL terminator of the name.
	dataOffset := binary.LittleEndian.Uint32(unterminated[8:12])
	unterminated[dataOffset-2] = 'x'

	tests := []struct {
		name        string
		in          []byte
		expectedErr error
	}{
		{name: "short header", in: valid[:10], expectedErr: procmon.ErrShortHeader},
		{name: "trailing garbage", in: append(append([]byte{}, valid...), 1, 2), expectedErr: procmon.ErrShortHeader},
		{name: "truncated record", in: valid[:len(valid)-1], expectedErr: procmon.ErrShortRecord},
		{name: "invalid header size", in: badHeaderSize, expectedErr: procmon.ErrInvalidHeaderSize},
		{name: "unterminated name", in: unterminated, expectedErr: procmon.ErrUnterminatedName},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := procmon.Decode(tt.in)
			assert.ErrorIs(t, err, tt.expectedErr)
		})
	}
}

func TestTypedRecords(t *testing.T) {
	c := procmon.DefaultConfig()

	c.SetUint32(procmon.RecordHistoryDepth, 42)
	v, err := c.Uint32(procmon.RecordHistoryDepth)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), v)

	c.SetString(procmon.RecordLogfile, `C:\cvex\log.pml`)
	s, err := c.String(procmon.RecordLogfile)
	require.NoError(t, err)
	assert.Equal(t, `C:\cvex\log.pml`, s)

	_, err = c.Uint32(procmon.RecordSymbolPath)
	assert.ErrorIs(t, err, procmon.ErrInvalidValue)

	_, err = c.Record("Missing")
	assert.ErrorIs(t, err, procmon.ErrRecordNotFound)

	c.SetUint32("Appended", 7)
	names := c.Names()
	assert.Equal(t, "Appended", names[len(names)-1])
}

func TestLoadFileAndDump(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.pmc")
	require.NoError(t, procmon.DefaultConfig().WriteFile(path))

	c, err := procmon.LoadFile(path)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, c.Dump(&buf))

	again, err := procmon.Load(&buf)
	require.NoError(t, err)
	assert.Equal(t, c.Encode(), again.Encode())

	rules, err := again.FilterRules()
	require.NoError(t, err)
	assert.Equal(t, procmon.DefaultFilterRules(), rules)

	highlight, err := again.HighlightRules()
	require.NoError(t, err)
	assert.Empty(t, highlight)
}
