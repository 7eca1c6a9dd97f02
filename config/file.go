package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// WithFile returns a Loader that falls back to the config file at path for
// variables missing from the environment. The format follows the file
// extension (yaml, json, toml, ...). Keys use snake_case below a section:
//
//	emitter:
//	  capacity: 20
//	  default_timeout: 30s
//	amqp:
//	  write_mode: expiring
//
// is equivalent to GOEMIT_EMITTER_CAPACITY=20 and so on. Environment
// variables win over file values.
func (l Loader) WithFile(path string) (Loader, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return l, fmt.Errorf("config: read %s: %w", path, err)
	}

	values := make(map[string]string, len(v.AllKeys()))
	for _, key := range v.AllKeys() {
		values[l.prefix()+"_"+normalizeSection(key)] = v.GetString(key)
	}

	env := l.lookupEnv
	l.lookup = func(key string) (string, bool) {
		if s, ok := env(key); ok {
			return s, true
		}
		s, ok := values[key]
		return s, ok
	}
	return l, nil
}
