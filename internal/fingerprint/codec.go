package fingerprint

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Schema tags every encoded record. Field names below are part of the wire
// contract and must stay stable across versions.
const Schema = "knirv.error_context/v1"

const (
	fieldSchema        = "schema"
	fieldAgentID       = "agentId"
	fieldAgentVersion  = "agentVersion"
	fieldBaseModelID   = "baseModelId"
	fieldOS            = "os"
	fieldArch          = "arch"
	fieldRuntime       = "runtime"
	fieldErrorType     = "errorType"
	fieldErrorMessage  = "errorMessage"
	fieldStackTrace    = "stackTrace"
	fieldSourceSnippet = "sourceSnippet"
	fieldTask          = "taskDescription"
	fieldInputHash     = "inputHash"
	fieldStateHash     = "stateHash"
	fieldPriorSkillID  = "priorSkillId"
	fieldSeverity      = "severity"
	fieldTimestamp     = "timestamp"
	fieldContext       = "context"
)

// ErrUnknownSchema is returned when a record carries a schema tag this
// package does not understand.
var ErrUnknownSchema = errors.New("unknown error context schema")

// CodecError wraps any failure to encode or decode a fingerprint.
type CodecError struct {
	Op  string // "encode" or "decode"
	Err error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("fingerprint %s: %v", e.Op, e.Err)
}

func (e *CodecError) Unwrap() error { return e.Err }

// Encode serializes f as a schema-tagged protobuf Struct.
func Encode(f Fingerprint) ([]byte, error) {
	s, err := toStruct(f)
	if err != nil {
		return nil, &CodecError{Op: "encode", Err: err}
	}
	b, err := proto.MarshalOptions{Deterministic: true}.Marshal(s)
	if err != nil {
		return nil, &CodecError{Op: "encode", Err: err}
	}
	return b, nil
}

// Decode is the inverse of Encode.
func Decode(b []byte) (Fingerprint, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(b, &s); err != nil {
		return Fingerprint{}, &CodecError{Op: "decode", Err: err}
	}
	f, err := fromStruct(&s)
	if err != nil {
		return Fingerprint{}, &CodecError{Op: "decode", Err: err}
	}
	return f, nil
}

// JSON renders the same flat record as JSON. It is the errorContext payload
// sent to the skill registry.
func (f Fingerprint) JSON() (json.RawMessage, error) {
	s, err := toStruct(f)
	if err != nil {
		return nil, &CodecError{Op: "encode", Err: err}
	}
	b, err := protojson.Marshal(s)
	if err != nil {
		return nil, &CodecError{Op: "encode", Err: err}
	}
	return b, nil
}

// DecodeJSON parses a record produced by JSON.
func DecodeJSON(b []byte) (Fingerprint, error) {
	var s structpb.Struct
	if err := protojson.Unmarshal(b, &s); err != nil {
		return Fingerprint{}, &CodecError{Op: "decode", Err: err}
	}
	f, err := fromStruct(&s)
	if err != nil {
		return Fingerprint{}, &CodecError{Op: "decode", Err: err}
	}
	return f, nil
}

func toStruct(f Fingerprint) (*structpb.Struct, error) {
	ctx := make(map[string]any, len(f.context))
	for k, v := range f.context {
		ctx[k] = v
	}
	var ts int64
	if !f.createdAt.IsZero() {
		ts = f.createdAt.UnixMilli()
	}
	return structpb.NewStruct(map[string]any{
		fieldSchema:        Schema,
		fieldAgentID:       f.agent.ID,
		fieldAgentVersion:  f.agent.Version,
		fieldBaseModelID:   f.agent.BaseModelID,
		fieldOS:            f.env.OS,
		fieldArch:          f.env.Arch,
		fieldRuntime:       f.env.Runtime,
		fieldErrorType:     f.detail.Type,
		fieldErrorMessage:  f.detail.Message,
		fieldStackTrace:    f.detail.Stack,
		fieldSourceSnippet: f.detail.SourceSnippet,
		fieldTask:          f.task,
		fieldInputHash:     f.inputHash,
		fieldStateHash:     f.stateHash,
		fieldPriorSkillID:  f.priorSkillID,
		fieldSeverity:      string(f.severity),
		fieldTimestamp:     ts,
		fieldContext:       ctx,
	})
}

func fromStruct(s *structpb.Struct) (Fingerprint, error) {
	fields := s.GetFields()
	r := structReader{fields: fields}

	if schema := r.str(fieldSchema); schema != Schema {
		return Fingerprint{}, fmt.Errorf("%w: %q", ErrUnknownSchema, schema)
	}

	f := Fingerprint{
		agent: AgentInfo{
			ID:          r.str(fieldAgentID),
			Version:     r.str(fieldAgentVersion),
			BaseModelID: r.str(fieldBaseModelID),
		},
		env: Environment{
			OS:      r.str(fieldOS),
			Arch:    r.str(fieldArch),
			Runtime: r.str(fieldRuntime),
		},
		detail: ErrorDetail{
			Type:          r.str(fieldErrorType),
			Message:       r.str(fieldErrorMessage),
			Stack:         r.str(fieldStackTrace),
			SourceSnippet: r.str(fieldSourceSnippet),
		},
		task:         r.str(fieldTask),
		inputHash:    r.str(fieldInputHash),
		stateHash:    r.str(fieldStateHash),
		priorSkillID: r.str(fieldPriorSkillID),
		severity:     Severity(r.str(fieldSeverity)),
	}
	if ms := r.num(fieldTimestamp); ms != 0 {
		f.createdAt = time.UnixMilli(int64(ms)).UTC()
	}

	ctx := make(map[string]any)
	if v, ok := fields[fieldContext]; ok {
		sv := v.GetStructValue()
		if sv == nil {
			r.fail(fieldContext, "object")
		} else {
			for k, cv := range sv.GetFields() {
				ctx[k] = cv.AsInterface()
			}
		}
	}
	f.context = Sanitize(ctx)

	if r.err != nil {
		return Fingerprint{}, r.err
	}
	return f, nil
}

// structReader extracts typed fields and remembers the first type mismatch.
type structReader struct {
	fields map[string]*structpb.Value
	err    error
}

func (r *structReader) str(key string) string {
	v, ok := r.fields[key]
	if !ok {
		return ""
	}
	sv, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		r.fail(key, "string")
		return ""
	}
	return sv.StringValue
}

func (r *structReader) num(key string) float64 {
	v, ok := r.fields[key]
	if !ok {
		return 0
	}
	nv, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		r.fail(key, "number")
		return 0
	}
	return nv.NumberValue
}

func (r *structReader) fail(key, want string) {
	if r.err == nil {
		r.err = fmt.Errorf("field %q: expected %s", key, want)
	}
}
