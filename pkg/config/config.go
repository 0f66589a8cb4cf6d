package config

import (
	"errors"
	"log"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type options struct {
	defaults map[string]interface{}
	envFiles []string
	paths    []string
	onChange func()
}

type Option func(*options)

// WithDefaults registers default values keyed by dotted config path.
func WithDefaults(defaults map[string]interface{}) Option {
	return func(o *options) { o.defaults = defaults }
}

// WithEnvFiles loads dotenv files before reading the environment. Missing files are ignored.
func WithEnvFiles(files ...string) Option {
	return func(o *options) { o.envFiles = files }
}

// WithPaths replaces the default search paths (./config and .).
func WithPaths(paths ...string) Option {
	return func(o *options) { o.paths = paths }
}

// OnChange is called after a successful hot reload.
func OnChange(fn func()) Option {
	return func(o *options) { o.onChange = fn }
}

// LoadAndWatch reads config/{service}.yaml into out and keeps it updated on file changes.
// Environment variables override file values, e.g. RECONCILER_DB_DSN overrides db.dsn.
func LoadAndWatch(service string, out interface{}, opts ...Option) (*viper.Viper, error) {
	o := &options{
		envFiles: []string{".env"},
		paths:    []string{"./config", "."},
	}
	for _, opt := range opts {
		opt(o)
	}

	for _, f := range o.envFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		// godotenv.Load never overrides variables already present in the environment
		if err := godotenv.Load(f); err != nil {
			return nil, err
		}
	}

	v := viper.New()
	v.SetConfigName(service)
	v.SetConfigType("yaml")
	for _, p := range o.paths {
		v.AddConfigPath(p)
	}
	for k, val := range o.defaults {
		v.SetDefault(k, val)
	}

	v.SetEnvPrefix(strings.ToUpper(service))
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || len(o.defaults) == 0 {
			return nil, err
		}
		// defaults plus env are enough to run
		fileLoaded = false
	}

	if err := v.Unmarshal(out); err != nil {
		return nil, err
	}

	if !fileLoaded {
		log.Printf("[%s] no config file, using defaults and environment", service)
		return v, nil
	}
	log.Printf("[%s] config loaded from %s", service, v.ConfigFileUsed())

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		log.Printf("[%s] config file changed: %s", service, e.Name)
		if err := v.Unmarshal(out); err != nil {
			log.Printf("[%s] reload config error: %v", service, err)
			return
		}
		log.Printf("[%s] config reloaded OK", service)
		if o.onChange != nil {
			o.onChange()
		}
	})

	return v, nil
}
