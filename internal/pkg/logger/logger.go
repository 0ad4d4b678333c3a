// Package logger wraps zap's SugaredLogger with key/value scrubbing: secrets
// are redacted and user ids are hashed before they reach the sink.
package logger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
)

type Logger struct {
	SugaredLogger *zap.SugaredLogger
	scrub         *scrubber
}

// New builds a logger for mode: "prod"/"production", "test"/"nop", or
// anything else for development. LOG_REDACTION_ENABLED=false turns scrubbing
// off; LOG_HASH_SALT salts hashed ids.
func New(mode string) (*Logger, error) {
	var cfg zap.Config
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "test", "nop":
		return Nop(), nil
	case "prod", "production":
		cfg = zap.NewProductionConfig()
	default:
		cfg = zap.NewDevelopmentConfig()
	}
	z, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}
	return &Logger{SugaredLogger: z.Sugar(), scrub: scrubberFromEnv()}, nil
}

func Nop() *Logger {
	return &Logger{SugaredLogger: zap.NewNop().Sugar(), scrub: &scrubber{}}
}

func (l *Logger) Sync() { _ = l.SugaredLogger.Sync() }

func (l *Logger) Debug(msg string, kv ...interface{}) { l.SugaredLogger.Debugw(msg, l.scrub.kvs(kv)...) }
func (l *Logger) Info(msg string, kv ...interface{})  { l.SugaredLogger.Infow(msg, l.scrub.kvs(kv)...) }
func (l *Logger) Warn(msg string, kv ...interface{})  { l.SugaredLogger.Warnw(msg, l.scrub.kvs(kv)...) }
func (l *Logger) Error(msg string, kv ...interface{}) { l.SugaredLogger.Errorw(msg, l.scrub.kvs(kv)...) }
func (l *Logger) Fatal(msg string, kv ...interface{}) { l.SugaredLogger.Fatalw(msg, l.scrub.kvs(kv)...) }

func (l *Logger) With(kv ...interface{}) *Logger {
	return &Logger{SugaredLogger: l.SugaredLogger.With(l.scrub.kvs(kv)...), scrub: l.scrub}
}

// Substrings of a lowercased key. "tokens" is a usage counter and is checked
// before "token".
var (
	redactKeys = []string{"token", "authorization", "password", "secret", "cookie", "api_key", "apikey", "email"}
	hashKeys   = []string{"user_id", "principal_id"}
)

type scrubber struct {
	enabled bool
	salt    string
}

func scrubberFromEnv() *scrubber {
	s := &scrubber{enabled: true, salt: strings.TrimSpace(os.Getenv("LOG_HASH_SALT"))}
	switch strings.ToLower(strings.TrimSpace(os.Getenv("LOG_REDACTION_ENABLED"))) {
	case "0", "false", "no", "off":
		s.enabled = false
	}
	return s
}

func (s *scrubber) kvs(kv []interface{}) []interface{} {
	if s == nil || !s.enabled || len(kv) == 0 {
		return kv
	}
	out := make([]interface{}, len(kv))
	copy(out, kv)
	for i := 0; i+1 < len(out); i += 2 {
		out[i+1] = s.value(keyOf(out[i]), out[i+1])
	}
	return out
}

func (s *scrubber) value(key string, val interface{}) interface{} {
	switch {
	case key == "":
		return val
	case !strings.Contains(key, "tokens") && containsAny(key, redactKeys):
		return "[REDACTED]"
	case containsAny(key, hashKeys):
		return s.hash(val)
	}
	switch v := val.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, inner := range v {
			out[k] = s.value(keyOf(k), inner)
		}
		return out
	case string:
		if looksLikeJWT(v) {
			return "[REDACTED]"
		}
	}
	return val
}

func (s *scrubber) hash(val interface{}) string {
	raw := fmt.Sprint(val)
	if val == nil || raw == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(s.salt + raw))
	return "hash:" + hex.EncodeToString(sum[:])[:12]
}

func keyOf(k interface{}) string {
	return strings.ToLower(strings.TrimSpace(fmt.Sprint(k)))
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func looksLikeJWT(s string) bool {
	parts := strings.Split(s, ".")
	return len(parts) == 3 && len(parts[0]) > 10 && len(parts[1]) > 10
}
