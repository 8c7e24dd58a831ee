package procmon

import "encoding/binary"

// Record names of the stock configuration.
const (
	RecordColumns           = "Columns"
	RecordColumnCount       = "ColumnCount"
	RecordColumnMap         = "ColumnMap"
	RecordDbgHelpPath       = "DbgHelpPath"
	RecordLogfile           = "Logfile"
	RecordHighlightFG       = "HighlightFG"
	RecordHighlightBG       = "HighlightBG"
	RecordAdvancedMode      = "AdvancedMode"
	RecordAutoscroll        = "Autoscroll"
	RecordHistoryDepth      = "HistoryDepth"
	RecordProfiling         = "Profiling"
	RecordDestructiveFilter = "DestructiveFilter"
	RecordAlwaysOnTop       = "AlwaysOnTop"
	RecordResolveAddresses  = "ResolveAddresses"
	RecordSourcePath        = "SourcePath"
	RecordSymbolPath        = "SymbolPath"
)

type column struct {
	id    Column
	width uint16
}

var defaultColumns = []column{
	{ColumnTimeOfDay, 100},
	{ColumnProcessName, 150},
	{ColumnPID, 50},
	{ColumnOperation, 150},
	{ColumnPath, 350},
	{ColumnResult, 100},
	{ColumnDetail, 400},
}

// DefaultFilterRules are the exclusions the tracer ships with: its own activity,
// the System process, low level file system calls and NTFS metadata files.
func DefaultFilterRules() []Rule {
	rules := []Rule{
		{Column: ColumnProcessName, Relation: RelationIs, Value: "Procmon.exe"},
		{Column: ColumnProcessName, Relation: RelationIs, Value: "Procexp.exe"},
		{Column: ColumnProcessName, Relation: RelationIs, Value: "Autoruns.exe"},
		{Column: ColumnProcessName, Relation: RelationIs, Value: "Procmon64.exe"},
		{Column: ColumnProcessName, Relation: RelationIs, Value: "Procexp64.exe"},
		{Column: ColumnProcessName, Relation: RelationIs, Value: "System"},
		{Column: ColumnOperation, Relation: RelationBeginsWith, Value: "IRP_MJ_"},
		{Column: ColumnOperation, Relation: RelationBeginsWith, Value: "FASTIO_"},
		{Column: ColumnResult, Relation: RelationBeginsWith, Value: "FAST IO"},
		{Column: ColumnPath, Relation: RelationEndsWith, Value: "pagefile.sys"},
	}
	for _, f := range []string{
		"$Mft", "$MftMirr", "$LogFile", "$Volume", "$AttrDef", "$Root",
		"$Bitmap", "$Boot", "$BadClus", "$Secure", "$UpCase",
	} {
		rules = append(rules, Rule{Column: ColumnPath, Relation: RelationEndsWith, Value: f})
	}
	return append(rules,
		Rule{Column: ColumnPath, Relation: RelationContains, Value: "$Extend"},
		Rule{Column: ColumnEventClass, Relation: RelationIs, Value: "Profiling"},
	)
}

// DefaultConfig returns the configuration the tracer writes on first launch.
func DefaultConfig() *Config {
	c := &Config{}

	widths := make([]byte, 0, 2*len(defaultColumns))
	ids := make([]byte, 0, 4*len(defaultColumns))
	for _, col := range defaultColumns {
		widths = binary.LittleEndian.AppendUint16(widths, col.width)
		ids = binary.LittleEndian.AppendUint32(ids, uint32(col.id))
	}
	c.SetRecord(RecordColumns, widths)
	c.SetUint32(RecordColumnCount, uint32(len(defaultColumns)))
	c.SetRecord(RecordColumnMap, ids)

	c.SetString(RecordDbgHelpPath, `C:\Windows\SYSTEM32\dbghelp.dll`)
	c.SetString(RecordLogfile, "")
	c.SetUint32(RecordHighlightFG, 0)
	c.SetUint32(RecordHighlightBG, 0x00ffff80)
	c.SetUint32(RecordAdvancedMode, 0)
	c.SetUint32(RecordAutoscroll, 0)
	c.SetUint32(RecordHistoryDepth, 199)
	c.SetUint32(RecordProfiling, 0)
	c.SetUint32(RecordDestructiveFilter, 0)
	c.SetUint32(RecordAlwaysOnTop, 0)
	c.SetUint32(RecordResolveAddresses, 1)
	c.SetString(RecordSourcePath, "")
	c.SetString(RecordSymbolPath, "srv*https://msdl.microsoft.com/download/symbols")

	// DefaultFilterRules always fits in a rules record.
	_ = c.SetFilterRules(DefaultFilterRules())
	_ = c.SetHighlightRules(nil)

	return c
}
