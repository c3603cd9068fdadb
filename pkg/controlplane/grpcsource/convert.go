package grpcsource

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// toStruct round-trips v through JSON into a protobuf Struct, since
// structpb.NewStruct only accepts the plain map[string]interface{} shape
// JSON already produces for any exported-field Go value.
func toStruct(v interface{}) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("grpcsource: marshal: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("grpcsource: unmarshal to map: %w", err)
	}
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("grpcsource: build struct: %w", err)
	}
	return st, nil
}

// fromStruct is the inverse of toStruct.
func fromStruct(st *structpb.Struct, out interface{}) error {
	if st == nil {
		return nil
	}
	raw, err := json.Marshal(st.AsMap())
	if err != nil {
		return fmt.Errorf("grpcsource: marshal struct map: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("grpcsource: unmarshal into target: %w", err)
	}
	return nil
}

// stringField reads a single string field out of a Struct. It and
// newScalarStruct are helpers for small scalar messages; the request and
// response types in messages.go go through toStruct/fromStruct instead.
func stringField(st *structpb.Struct, name string) string {
	if st == nil {
		return ""
	}
	v, ok := st.Fields[name]
	if !ok {
		return ""
	}
	return v.GetStringValue()
}

func newScalarStruct(fields map[string]string) *structpb.Struct {
	st := &structpb.Struct{Fields: make(map[string]*structpb.Value, len(fields))}
	for k, v := range fields {
		st.Fields[k] = structpb.NewStringValue(v)
	}
	return st
}
