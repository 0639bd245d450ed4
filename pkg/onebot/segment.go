// Copyright 2025-2026 QGram Authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package onebot

import (
	"encoding/json"
	"strconv"
)

// SegmentKind is a closed enumeration of message segment types understood by
// the relay. Anything the gateway sends outside this set parses as
// SegmentUnknown with the raw name preserved, so it can still be rendered as
// a placeholder instead of dropped.
type SegmentKind int

const (
	SegmentUnknown SegmentKind = iota
	SegmentText
	SegmentImage
	SegmentVideo
	SegmentRecord
	SegmentFile
	SegmentReply
	SegmentForward
	SegmentAt
	SegmentShare
	SegmentMusic
	SegmentLocation
	SegmentFace
	SegmentJSON
)

var segmentKindNames = map[SegmentKind]string{
	SegmentUnknown:  "unknown",
	SegmentText:     "text",
	SegmentImage:    "image",
	SegmentVideo:    "video",
	SegmentRecord:   "record",
	SegmentFile:     "file",
	SegmentReply:    "reply",
	SegmentForward:  "forward",
	SegmentAt:       "at",
	SegmentShare:    "share",
	SegmentMusic:    "music",
	SegmentLocation: "location",
	SegmentFace:     "face",
	SegmentJSON:     "json",
}

var segmentKindValues = func() map[string]SegmentKind {
	m := make(map[string]SegmentKind, len(segmentKindNames))
	for kind, name := range segmentKindNames {
		m[name] = kind
	}
	return m
}()

// ParseSegmentKind maps a wire type name to a SegmentKind.
// Unrecognized names map to SegmentUnknown.
func ParseSegmentKind(name string) SegmentKind {
	if kind, ok := segmentKindValues[name]; ok {
		return kind
	}
	return SegmentUnknown
}

func (k SegmentKind) String() string {
	if name, ok := segmentKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// DataMap is the untyped data payload of a segment. Values arrive as whatever
// JSON produced, so access goes through coercing getters.
type DataMap map[string]any

// Str returns the value for key coerced to a string. Numbers are formatted,
// missing or incompatible values return "".
func (d DataMap) Str(key string) string {
	switch v := d[key].(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

// Int returns the value for key coerced to an int64, or 0.
func (d DataMap) Int(key string) int64 {
	switch v := d[key].(type) {
	case float64:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	case json.Number:
		n, _ := v.Int64()
		return n
	default:
		return 0
	}
}

// Map returns the value for key as a nested DataMap, or nil.
func (d DataMap) Map(key string) DataMap {
	if m, ok := d[key].(map[string]any); ok {
		return DataMap(m)
	}
	return nil
}

// Segment is one typed unit within a message's content array. Order within
// the message is significant and preserved by Event parsing.
type Segment struct {
	Kind    SegmentKind
	RawKind string
	Data    DataMap
}

type wireSegment struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

func (s *Segment) UnmarshalJSON(raw []byte) error {
	var ws wireSegment
	if err := json.Unmarshal(raw, &ws); err != nil {
		return err
	}
	s.Kind = ParseSegmentKind(ws.Type)
	s.RawKind = ws.Type
	s.Data = DataMap(ws.Data)
	if s.Data == nil {
		s.Data = DataMap{}
	}
	return nil
}

func (s Segment) MarshalJSON() ([]byte, error) {
	name := s.RawKind
	if name == "" {
		name = s.Kind.String()
	}
	return json.Marshal(wireSegment{Type: name, Data: s.Data})
}

// KindName returns the wire name for placeholder rendering: the raw name if
// the gateway sent one, else the enum name.
func (s Segment) KindName() string {
	if s.Kind == SegmentUnknown && s.RawKind != "" {
		return s.RawKind
	}
	return s.Kind.String()
}
