// Package config overlays environment variables onto configuration structs.
//
// A field is read from {Prefix}_{SECTION}_{FIELD}, where FIELD is the Go
// field name in UPPER_SNAKE_CASE. Named nested structs add a path segment and
// embedded structs are flattened. With emitter.Config in section "emitter"
// and stream.AMQPConfig in section "amqp":
//
//	GOEMIT_EMITTER_CAPACITY=20
//	GOEMIT_EMITTER_DEFAULT_TIMEOUT=30s
//	GOEMIT_AMQP_WRITE_MODE=expiring
//	GOEMIT_AMQP_PUBLISH_RATE=100
//
// Only string, bool, int, int64, float64 and time.Duration fields are read.
// Loggers, clocks and codecs are left alone.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode"

	"go.uber.org/multierr"
)

var durationType = reflect.TypeOf(time.Duration(0))

// Loader reads environment variables into configuration structs.
type Loader struct {
	// Prefix for variable names.
	// Default: "GOEMIT".
	Prefix string

	// lookup replaces os.LookupEnv.
	lookup func(string) (string, bool)
}

func (l Loader) prefix() string {
	if l.Prefix == "" {
		return "GOEMIT"
	}
	return l.Prefix
}

func (l Loader) lookupEnv(key string) (string, bool) {
	if l.lookup != nil {
		return l.lookup(key)
	}
	return os.LookupEnv(key)
}

// Load sets the fields of the struct dst points to from the variables that
// are present. Absent variables keep the current value, so defaults set in
// code survive. All malformed values are reported together; the valid ones
// are still applied.
func (l Loader) Load(section string, dst any) error {
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("config: dst must be a pointer to a struct, got %T", dst)
	}

	var errs error
	walk(l.sectionPrefix(section), v.Elem(), func(key string, fv reflect.Value) {
		raw, ok := l.lookupEnv(key)
		if !ok {
			return
		}
		if err := parse(fv, raw); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("config: %s: %w", key, err))
		}
	})
	return errs
}

// Keys lists the variable names Load reads for dst, a struct or a pointer
// to one. It returns nil for anything else.
func (l Loader) Keys(section string, dst any) []string {
	v := reflect.Indirect(reflect.ValueOf(dst))
	if v.Kind() != reflect.Struct {
		return nil
	}
	var keys []string
	walk(l.sectionPrefix(section), v, func(key string, _ reflect.Value) {
		keys = append(keys, key)
	})
	return keys
}

func (l Loader) sectionPrefix(section string) string {
	return l.prefix() + "_" + normalizeSection(section)
}

// Load runs Loader.Load with the default prefix.
func Load(section string, dst any) error {
	return Loader{}.Load(section, dst)
}

// Keys runs Loader.Keys with the default prefix.
func Keys(section string, dst any) []string {
	return Loader{}.Keys(section, dst)
}

// walk calls visit for every readable leaf field of v, in declaration order.
func walk(prefix string, v reflect.Value, visit func(key string, fv reflect.Value)) {
	t := v.Type()
	for i := range t.NumField() {
		f := t.Field(i)
		fv := v.Field(i)

		nested := f.Type.Kind() == reflect.Struct && f.Type != durationType
		switch {
		case f.Anonymous && nested:
			// Promoted fields of embedded structs, exported or not.
			walk(prefix, fv, visit)
		case !f.IsExported():
		case nested:
			walk(prefix+"_"+toUpperSnake(f.Name), fv, visit)
		case readable(f.Type):
			visit(prefix+"_"+toUpperSnake(f.Name), fv)
		}
	}
}

func readable(t reflect.Type) bool {
	if t == durationType {
		return true
	}
	switch t.Kind() {
	case reflect.String, reflect.Bool, reflect.Int, reflect.Int64, reflect.Float64:
		return true
	}
	return false
}

func parse(fv reflect.Value, raw string) error {
	if fv.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		fv.SetInt(int64(d))
		return nil
	}

	switch fv.Kind() {
	case reflect.String:
		fv.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		fv.SetBool(b)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, fv.Type().Bits())
		if err != nil {
			return err
		}
		fv.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		fv.SetFloat(f)
	}
	return nil
}

// normalizeSection uppercases a section name and turns separators into
// underscores. Other characters are dropped.
func normalizeSection(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return unicode.ToUpper(r)
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == ' ', r == '_', r == '.':
			return '_'
		}
		return -1
	}, s)
}

// toUpperSnake splits a Go identifier into words and joins them with
// underscores. An acronym ends before the capital that starts the next word:
//
//	PublishRate -> PUBLISH_RATE
//	URLPath     -> URL_PATH
func toUpperSnake(s string) string {
	runes := []rune(s)
	var words []string
	start := 0
	for i := 1; i < len(runes); i++ {
		prev, cur := runes[i-1], runes[i]
		if !unicode.IsUpper(cur) {
			continue
		}
		acronymEnd := unicode.IsUpper(prev) && i+1 < len(runes) && unicode.IsLower(runes[i+1])
		if !unicode.IsUpper(prev) || acronymEnd {
			words = append(words, string(runes[start:i]))
			start = i
		}
	}
	words = append(words, string(runes[start:]))
	return strings.ToUpper(strings.Join(words, "_"))
}
