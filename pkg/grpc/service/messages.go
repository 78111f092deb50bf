package service

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/KevoDB/sysparam/pkg/sysparam"
	"google.golang.org/protobuf/types/known/structpb"
)

// Message shapes. Every Struct field is listed; absent fields take their
// zero value.
//
//	Get      StringValue(key)          -> {value, binary}
//	Set      {key, value, binary}      -> Empty
//	Delete   StringValue(key)          -> Empty
//	List     {prefix, limit}           -> stream of {key, value, binary}
//	Compact  Empty                     -> Empty
//	Info     Empty                     -> {area_base, region_blocks, ...}
//	Stats    Empty                     -> the store's statistics map
//
// Values are base64 encoded because Struct strings must be valid UTF-8.
// Key names travel as plain strings and so must be UTF-8 too.

const (
	fieldKey    = "key"
	fieldValue  = "value"
	fieldBinary = "binary"
	fieldPrefix = "prefix"
	fieldLimit  = "limit"
)

// ErrMalformedMessage is returned when a Struct lacks a required field or
// holds a field of the wrong kind
var ErrMalformedMessage = errors.New("malformed message")

// PairToStruct encodes a pair. An empty key is left out.
func PairToStruct(p sysparam.Pair) *structpb.Struct {
	fields := map[string]*structpb.Value{
		fieldValue:  structpb.NewStringValue(base64.StdEncoding.EncodeToString(p.Value)),
		fieldBinary: structpb.NewBoolValue(p.Binary),
	}
	if p.Key != "" {
		fields[fieldKey] = structpb.NewStringValue(p.Key)
	}
	return &structpb.Struct{Fields: fields}
}

// PairFromStruct decodes a pair written by PairToStruct
func PairFromStruct(s *structpb.Struct) (sysparam.Pair, error) {
	var p sysparam.Pair
	fields := s.GetFields()

	if v, ok := fields[fieldKey]; ok {
		k, ok := v.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return p, fmt.Errorf("%w: %s is not a string", ErrMalformedMessage, fieldKey)
		}
		p.Key = k.StringValue
	}

	v, ok := fields[fieldValue].GetKind().(*structpb.Value_StringValue)
	if !ok {
		return p, fmt.Errorf("%w: missing %s", ErrMalformedMessage, fieldValue)
	}
	value, err := base64.StdEncoding.DecodeString(v.StringValue)
	if err != nil {
		return p, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, fieldValue, err)
	}
	p.Value = value
	p.Binary = fields[fieldBinary].GetBoolValue()
	return p, nil
}

// NewListRequest builds a List request. A limit of 0 means no limit.
func NewListRequest(prefix string, limit int) *structpb.Struct {
	fields := map[string]*structpb.Value{}
	if prefix != "" {
		fields[fieldPrefix] = structpb.NewStringValue(prefix)
	}
	if limit > 0 {
		fields[fieldLimit] = structpb.NewNumberValue(float64(limit))
	}
	return &structpb.Struct{Fields: fields}
}

func parseListRequest(s *structpb.Struct) (prefix string, limit int) {
	fields := s.GetFields()
	return fields[fieldPrefix].GetStringValue(), int(fields[fieldLimit].GetNumberValue())
}

// StatusToStruct encodes the store status returned by Info
func StatusToStruct(st sysparam.Status) *structpb.Struct {
	num := func(n float64) *structpb.Value { return structpb.NewNumberValue(n) }
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"area_base":             num(float64(st.AreaBase)),
		"region_blocks":         num(float64(st.RegionBlocks)),
		"region_size":           num(float64(st.RegionSize)),
		"active_base":           num(float64(st.ActiveBase)),
		"stale_base":            num(float64(st.StaleBase)),
		"used":                  num(float64(st.Used)),
		"free":                  num(float64(st.Free)),
		"compactable":           num(float64(st.Compactable)),
		"pairs":                 num(float64(st.Pairs)),
		"max_id":                num(float64(st.MaxID)),
		"generation":            num(float64(st.Generation)),
		"force_compaction":      structpb.NewBoolValue(st.ForceCompaction),
		"recovered_dual_active": structpb.NewBoolValue(st.RecoveredDualActive),
	}}
}

// StatusFromStruct decodes an Info response
func StatusFromStruct(s *structpb.Struct) sysparam.Status {
	f := s.GetFields()
	n := func(name string) float64 { return f[name].GetNumberValue() }
	return sysparam.Status{
		AreaBase:            uint32(n("area_base")),
		RegionBlocks:        uint16(n("region_blocks")),
		RegionSize:          uint32(n("region_size")),
		ActiveBase:          uint32(n("active_base")),
		StaleBase:           uint32(n("stale_base")),
		Used:                uint32(n("used")),
		Free:                uint32(n("free")),
		Compactable:         uint32(n("compactable")),
		Pairs:               int(n("pairs")),
		MaxID:               uint16(n("max_id")),
		Generation:          uint64(n("generation")),
		ForceCompaction:     f["force_compaction"].GetBoolValue(),
		RecoveredDualActive: f["recovered_dual_active"].GetBoolValue(),
	}
}

// StatsToStruct encodes a statistics map. Nested counter maps are kept as
// nested structs; every number becomes a float64 on the wire.
func StatsToStruct(stats map[string]interface{}) (*structpb.Struct, error) {
	return structpb.NewStruct(normalizeStats(stats).(map[string]interface{}))
}

func normalizeStats(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, x := range t {
			m[k] = normalizeStats(x)
		}
		return m
	case map[string]uint64:
		m := make(map[string]interface{}, len(t))
		for k, x := range t {
			m[k] = x
		}
		return m
	case time.Time:
		return t.Format(time.RFC3339Nano)
	case time.Duration:
		return t.Nanoseconds()
	}
	return v
}
