// Package fingerprint builds immutable, sanitized records describing a single
// runtime failure and serializes them to a self-describing wire format.
package fingerprint

import (
	"encoding/hex"
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"golang.org/x/crypto/sha3"
)

// maxStackFrames bounds the stack excerpt carried by a fingerprint.
const maxStackFrames = 8

// Severity is the declared impact of a failure. It drives the submission
// priority and bounty when a new error node is registered.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity maps a free-form string onto a Severity, defaulting to medium.
func ParseSeverity(s string) Severity {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case SeverityLow:
		return SeverityLow
	case SeverityHigh:
		return SeverityHigh
	case SeverityCritical:
		return SeverityCritical
	default:
		return SeverityMedium
	}
}

// AgentInfo identifies the agent that hit the failure.
type AgentInfo struct {
	ID          string `json:"id"`
	Version     string `json:"version"`
	BaseModelID string `json:"base_model_id"`
}

// Environment describes where the agent was running.
type Environment struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Runtime string `json:"runtime"`
}

// ErrorDetail is the failure itself.
type ErrorDetail struct {
	Type          string `json:"type"`
	Message       string `json:"message"`
	Stack         string `json:"stack,omitempty"`
	SourceSnippet string `json:"source_snippet,omitempty"`
}

// Extra carries the optional inputs to Build.
type Extra struct {
	InputData     []byte
	AgentState    []byte
	PriorSkillID  string
	Severity      Severity
	SourceSnippet string
	Context       map[string]any
}

// Fingerprint is an immutable description of one failure occurrence.
// The zero value is an empty fingerprint; use Build or Decode to obtain one.
type Fingerprint struct {
	agent        AgentInfo
	env          Environment
	detail       ErrorDetail
	task         string
	inputHash    string
	stateHash    string
	priorSkillID string
	severity     Severity
	createdAt    time.Time
	context      map[string]string
}

// Build captures err and its surroundings. It never fails: metadata that
// cannot be determined is left empty.
func Build(err error, agent AgentInfo, task string, extra Extra) Fingerprint {
	sev := extra.Severity
	if sev == "" {
		sev = SeverityMedium
	}
	agent = AgentInfo{ID: validUTF8(agent.ID), Version: validUTF8(agent.Version), BaseModelID: validUTF8(agent.BaseModelID)}
	return Fingerprint{
		agent:        agent,
		env:          currentEnvironment(),
		detail:       describe(err, validUTF8(extra.SourceSnippet)),
		task:         validUTF8(task),
		inputHash:    hashBytes(extra.InputData),
		stateHash:    hashBytes(extra.AgentState),
		priorSkillID: validUTF8(extra.PriorSkillID),
		severity:     Severity(validUTF8(string(sev))),
		createdAt:    time.Now().UTC().Truncate(time.Millisecond),
		context:      Sanitize(extra.Context),
	}
}

func (f Fingerprint) Agent() AgentInfo         { return f.agent }
func (f Fingerprint) Environment() Environment { return f.env }
func (f Fingerprint) Detail() ErrorDetail      { return f.detail }
func (f Fingerprint) Task() string             { return f.task }
func (f Fingerprint) InputHash() string        { return f.inputHash }
func (f Fingerprint) StateHash() string        { return f.stateHash }
func (f Fingerprint) PriorSkillID() string     { return f.priorSkillID }
func (f Fingerprint) Severity() Severity       { return f.severity }
func (f Fingerprint) CreatedAt() time.Time     { return f.createdAt }

// Context returns a copy of the sanitized side context.
func (f Fingerprint) Context() map[string]string {
	out := make(map[string]string, len(f.context))
	for k, v := range f.context {
		out[k] = v
	}
	return out
}

// IsZero reports whether f was never built.
func (f Fingerprint) IsZero() bool {
	return f.createdAt.IsZero() && f.detail == (ErrorDetail{}) && f.agent == (AgentInfo{})
}

// Digest identifies the failure independently of when it happened.
// Two occurrences of the same error in the same task share a digest.
func (f Fingerprint) Digest() string {
	h := sha3.New256()
	for _, part := range []string{
		f.agent.ID, f.agent.BaseModelID,
		f.detail.Type, f.detail.Message,
		f.task, f.inputHash,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Equal compares every field, allowing up to a millisecond of drift in the
// creation timestamp.
func (f Fingerprint) Equal(o Fingerprint) bool {
	if f.agent != o.agent || f.env != o.env || f.detail != o.detail {
		return false
	}
	if f.task != o.task || f.inputHash != o.inputHash || f.stateHash != o.stateHash {
		return false
	}
	if f.priorSkillID != o.priorSkillID || f.severity != o.severity {
		return false
	}
	drift := f.createdAt.Sub(o.createdAt)
	if drift < -time.Millisecond || drift > time.Millisecond {
		return false
	}
	if len(f.context) != len(o.context) {
		return false
	}
	for k, v := range f.context {
		if ov, ok := o.context[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// String is a short human-readable summary used in logs.
func (f Fingerprint) String() string {
	return fmt.Sprintf("%s: %s (agent=%s task=%q)", f.detail.Type, f.detail.Message, f.agent.ID, f.task)
}

var sensitiveKeys = []string{"password", "token", "key", "secret", "credential"}

// IsSensitiveKey reports whether a context key may carry a secret.
func IsSensitiveKey(k string) bool {
	lk := strings.ToLower(k)
	for _, s := range sensitiveKeys {
		if strings.Contains(lk, s) {
			return true
		}
	}
	return false
}

// Sanitize stringifies context values and drops every sensitive key. Keys
// and values come back as valid UTF-8.
func Sanitize(ctx map[string]any) map[string]string {
	out := make(map[string]string, len(ctx))
	for k, v := range ctx {
		if IsSensitiveKey(k) {
			continue
		}
		var sv string
		switch tv := v.(type) {
		case string:
			sv = tv
		case []byte:
			sv = string(tv)
		case nil:
		default:
			sv = fmt.Sprint(tv)
		}
		out[validUTF8(k)] = validUTF8(sv)
	}
	return out
}

// validUTF8 replaces invalid byte runs so the value survives the codec.
func validUTF8(s string) string {
	return strings.ToValidUTF8(s, "\uFFFD")
}

// typedError lets callers name their failure class explicitly.
type typedError interface {
	ErrorType() string
}

type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

func describe(err error, snippet string) ErrorDetail {
	d := ErrorDetail{SourceSnippet: snippet}
	if err == nil {
		return d
	}
	d.Message = validUTF8(err.Error())
	d.Type = validUTF8(errorType(err))

	var st stackTracer
	if errors.As(err, &st) {
		frames := st.StackTrace()
		if len(frames) > maxStackFrames {
			frames = frames[:maxStackFrames]
		}
		lines := make([]string, 0, len(frames))
		for _, fr := range frames {
			lines = append(lines, strings.TrimSpace(fmt.Sprintf("%+v", fr)))
		}
		d.Stack = validUTF8(strings.Join(lines, "\n"))
	}
	return d
}

func errorType(err error) string {
	var t typedError
	if errors.As(err, &t) {
		return t.ErrorType()
	}
	// Unwrap to the innermost error so fmt.Errorf wrappers do not hide it.
	root := pkgerrors.Cause(err)
	for next := errors.Unwrap(root); next != nil; next = errors.Unwrap(root) {
		root = pkgerrors.Cause(next)
	}
	if root == nil {
		return ""
	}
	return strings.TrimPrefix(reflect.TypeOf(root).String(), "*")
}

func currentEnvironment() Environment {
	return Environment{
		OS:      runtime.GOOS,
		Arch:    runtime.GOARCH,
		Runtime: runtime.Version(),
	}
}

func hashBytes(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	sum := sha3.Sum256(b)
	return hex.EncodeToString(sum[:])
}
