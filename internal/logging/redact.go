package logging

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/autodeploy/internal/config"
)

const redacted = "[REDACTED]"

// Credential logs whether a secret is set without ever encoding its value.
func Credential(key string, s config.Secret) zap.Field {
	if !s.IsSet() {
		return zap.String(key, "")
	}
	return zap.String(key, redacted)
}

// redactor is an encoder that masks sensitive keys and values before the
// wrapped encoder sees them.
type redactor struct {
	zapcore.Encoder
	keys     map[string]struct{}
	patterns []*regexp.Regexp
}

func newRedactor(base zapcore.Encoder, keys, patterns []string) (*redactor, error) {
	r := &redactor{Encoder: base, keys: make(map[string]struct{}, len(keys))}
	for _, k := range keys {
		r.keys[strings.ToLower(k)] = struct{}{}
	}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("redaction pattern %q: %w", p, err)
		}
		r.patterns = append(r.patterns, re)
	}
	return r, nil
}

func (r *redactor) sensitive(key string) bool {
	_, ok := r.keys[strings.ToLower(key)]
	return ok
}

func (r *redactor) mask(val string) string {
	for _, re := range r.patterns {
		val = re.ReplaceAllString(val, redacted)
	}
	return val
}

func (r *redactor) Clone() zapcore.Encoder {
	return &redactor{Encoder: r.Encoder.Clone(), keys: r.keys, patterns: r.patterns}
}

func (r *redactor) AddString(key, val string) {
	if r.sensitive(key) {
		val = redacted
	}
	r.Encoder.AddString(key, r.mask(val))
}

func (r *redactor) AddByteString(key string, val []byte) {
	if r.sensitive(key) {
		r.Encoder.AddString(key, redacted)
		return
	}
	r.Encoder.AddString(key, r.mask(string(val)))
}

func (r *redactor) AddBinary(key string, val []byte) {
	if r.sensitive(key) {
		r.Encoder.AddString(key, redacted)
		return
	}
	r.Encoder.AddBinary(key, val)
}

func (r *redactor) AddReflected(key string, val any) error {
	if r.sensitive(key) {
		r.Encoder.AddString(key, redacted)
		return nil
	}
	return r.Encoder.AddReflected(key, val)
}

func (r *redactor) AddObject(key string, val zapcore.ObjectMarshaler) error {
	if r.sensitive(key) {
		r.Encoder.AddString(key, redacted)
		return nil
	}
	return r.Encoder.AddObject(key, val)
}

func (r *redactor) AddArray(key string, val zapcore.ArrayMarshaler) error {
	if r.sensitive(key) {
		r.Encoder.AddString(key, redacted)
		return nil
	}
	return r.Encoder.AddArray(key, val)
}

// EncodeEntry masks the message and the per-call fields, which the wrapped
// encoder adds to its own clone.
func (r *redactor) EncodeEntry(e zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	e.Message = r.mask(e.Message)
	masked := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		switch {
		case r.sensitive(f.Key) && f.Type != zapcore.SkipType:
			f = zap.String(f.Key, redacted)
		case f.Type == zapcore.StringType:
			f.String = r.mask(f.String)
		case f.Type == zapcore.ErrorType && f.Interface != nil:
			if err, ok := f.Interface.(error); ok {
				f = zap.String(f.Key, r.mask(err.Error()))
			}
		}
		masked[i] = f
	}
	return r.Encoder.EncodeEntry(e, masked)
}
