package procmon

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
)

const (
	RecordFilterRules    = "FilterRules"
	RecordHighlightRules = "HighlightRules"

	rulesVersion = 1
	maxRules     = 0xff
)

var (
	ErrShortRules   = errors.New("procmon: short rules")
	ErrTooManyRules = errors.New("procmon: too many rules")
)

// Column is the event field a rule matches on.
type Column uint32

const (
	ColumnDateAndTime      Column = 40052
	ColumnProcessName      Column = 40053
	ColumnPID              Column = 40054
	ColumnOperation        Column = 40055
	ColumnResult           Column = 40056
	ColumnDetail           Column = 40057
	ColumnSequence         Column = 40058
	ColumnCompany          Column = 40064
	ColumnDescription      Column = 40065
	ColumnCommandLine      Column = 40066
	ColumnUser             Column = 40067
	ColumnImagePath        Column = 40068
	ColumnSession          Column = 40069
	ColumnPath             Column = 40071
	ColumnTID              Column = 40072
	ColumnRelativeTime     Column = 40076
	ColumnDuration         Column = 40077
	ColumnTimeOfDay        Column = 40078
	ColumnVersion          Column = 40081
	ColumnEventClass       Column = 40082
	ColumnAuthenticationID Column = 40083
	ColumnVirtualized      Column = 40084
	ColumnIntegrity        Column = 40085
	ColumnCategory         Column = 40086
	ColumnParentPID        Column = 40087
	ColumnArchitecture     Column = 40088
)

var columnNames = map[Column]string{
	ColumnDateAndTime:      "Date & Time",
	ColumnProcessName:      "Process Name",
	ColumnPID:              "PID",
	ColumnOperation:        "Operation",
	ColumnResult:           "Result",
	ColumnDetail:           "Detail",
	ColumnSequence:         "Sequence",
	ColumnCompany:          "Company",
	ColumnDescription:      "Description",
	ColumnCommandLine:      "Command Line",
	ColumnUser:             "User",
	ColumnImagePath:        "Image Path",
	ColumnSession:          "Session",
	ColumnPath:             "Path",
	ColumnTID:              "TID",
	ColumnRelativeTime:     "Relative Time",
	ColumnDuration:         "Duration",
	ColumnTimeOfDay:        "Time of Day",
	ColumnVersion:          "Version",
	ColumnEventClass:       "Event Class",
	ColumnAuthenticationID: "Authentication ID",
	ColumnVirtualized:      "Virtualized",
	ColumnIntegrity:        "Integrity",
	ColumnCategory:         "Category",
	ColumnParentPID:        "Parent PID",
	ColumnArchitecture:     "Architecture",
}

func (c Column) String() string {
	if s, ok := columnNames[c]; ok {
		return s
	}
	return "Column(" + strconv.FormatUint(uint64(c), 10) + ")"
}

// Relation is the comparison a rule applies between the column and its value.
type Relation uint32

const (
	RelationIs Relation = iota
	RelationIsNot
	RelationLessThan
	RelationMoreThan
	RelationBeginsWith
	RelationEndsWith
	RelationContains
	RelationExcludes
)

var relationNames = [...]string{"is", "is not", "less than", "more than", "begins with", "ends with", "contains", "excludes"}

func (r Relation) String() string {
	if int(r) < len(relationNames) {
		return relationNames[r]
	}
	return "Relation(" + strconv.FormatUint(uint64(r), 10) + ")"
}

// Action tells whether matching events are kept or dropped.
type Action uint8

const (
	ActionExclude Action = 0
	ActionInclude Action = 1
)

func (a Action) String() string {
	switch a {
	case ActionExclude:
		return "Exclude"
	case ActionInclude:
		return "Include"
	default:
		return "Action(" + strconv.FormatUint(uint64(a), 10) + ")"
	}
}

// Rule is one entry of a filter or highlight list.
type Rule struct {
	Column   Column
	Relation Relation
	Value    string
	Action   Action
	// IntValue is the numeric form of Value. When zero, it is derived from a decimal
	// Value on encoding.
	IntValue uint32
}

func (r Rule) String() string {
	return fmt.Sprintf("if %s %s %q then %s", r.Column, r.Relation, r.Value, r.Action)
}

// IncludeProcess returns the rule keeping only events of processes whose name
// contains name.
func IncludeProcess(name string) Rule {
	return Rule{
		Column:   ColumnProcessName,
		Relation: RelationContains,
		Value:    name,
		Action:   ActionInclude,
	}
}

// FilterRules decodes the FilterRules record.
func (c *Config) FilterRules() ([]Rule, error) {
	return c.rules(RecordFilterRules)
}

// SetFilterRules replaces the FilterRules record, leaving every other record intact.
func (c *Config) SetFilterRules(rules []Rule) error {
	return c.setRules(RecordFilterRules, rules)
}

// HighlightRules decodes the HighlightRules record.
func (c *Config) HighlightRules() ([]Rule, error) {
	return c.rules(RecordHighlightRules)
}

func (c *Config) SetHighlightRules(rules []Rule) error {
	return c.setRules(RecordHighlightRules, rules)
}

func (c *Config) rules(name string) ([]Rule, error) {
	b, err := c.Record(name)
	if err != nil {
		return nil, err
	}
	rules, err := DecodeRules(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, name)
	}
	return rules, nil
}

func (c *Config) setRules(name string, rules []Rule) error {
	b, err := EncodeRules(rules)
	if err != nil {
		return err
	}
	c.SetRecord(name, b)
	return nil
}

// EncodeRules returns the data of a rules record:
//
//	version u8 (1) | count u8 | rules | 3 zero bytes
func EncodeRules(rules []Rule) ([]byte, error) {
	if len(rules) > maxRules {
		return nil, fmt.Errorf("%w: %d", ErrTooManyRules, len(rules))
	}

	out := []byte{rulesVersion, byte(len(rules))}
	for _, r := range rules {
		out = appendRule(out, r)
	}
	return append(out, 0, 0, 0), nil
}

// appendRule encodes:
//
//	3 zero bytes | column u32 | relation u32 | action u8 | valueLen u32 |
//	value UTF-16LE NUL-terminated | intValue u32 | 1 zero byte
func appendRule(out []byte, r Rule) []byte {
	value := encodeUTF16Z(r.Value)

	out = append(out, 0, 0, 0)
	out = binary.LittleEndian.AppendUint32(out, uint32(r.Column))
	out = binary.LittleEndian.AppendUint32(out, uint32(r.Relation))
	out = append(out, byte(r.Action))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(value)))
	out = append(out, value...)
	out = binary.LittleEndian.AppendUint32(out, r.intValue())
	return append(out, 0)
}

func (r Rule) intValue() uint32 {
	if r.IntValue != 0 {
		return r.IntValue
	}
	n, err := strconv.ParseUint(r.Value, 10, 32)
	if err != nil {
		return 0
	}
	return uint32(n)
}

// DecodeRules parses the data of a rules record.
func DecodeRules(b []byte) ([]Rule, error) {
	if len(b) < 2 {
		return nil, ErrShortRules
	}
	count := int(b[1])
	i := 2

	rules := make([]Rule, 0, count)
	for n := 0; n < count; n++ {
		// reserved, column, relation, action, valueLen
		if len(b)-i < 3+4+4+1+4 {
			return nil, fmt.Errorf("%w: rule %d header", ErrShortRules, n)
		}
		i += 3
		r := Rule{
			Column:   Column(binary.LittleEndian.Uint32(b[i : i+4])),
			Relation: Relation(binary.LittleEndian.Uint32(b[i+4 : i+8])),
			Action:   Action(b[i+8]),
		}
		valueLen := int(binary.LittleEndian.Uint32(b[i+9 : i+13]))
		i += 13

		if valueLen < 0 || len(b)-i < valueLen+4+1 {
			return nil, fmt.Errorf("%w: rule %d value", ErrShortRules, n)
		}
		value, err := decodeUTF16Z(b[i : i+valueLen])
		if err != nil {
			return nil, fmt.Errorf("rule %d value: %w", n, err)
		}
		r.Value = value
		i += valueLen

		r.IntValue = binary.LittleEndian.Uint32(b[i : i+4])
		i += 4 + 1

		rules = append(rules, r)
	}

	return rules, nil
}
