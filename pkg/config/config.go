package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

// EnvFileVar names an env file when the -env flag is not used.
const EnvFileVar = "ENV_FILE"

var (
	envFilePath string
	parseOnce   sync.Once

	loadMu sync.Mutex
	loaded = map[string]bool{}
)

// Validator is implemented by config structs that check themselves after loading.
type Validator interface {
	Validate() error
}

func MustNew[T any](prefix string) *T {
	conf, err := New[T](prefix)
	if err != nil {
		panic(err)
	}
	return conf
}

// New loads T from the environment under prefix. Variables already present in the
// process environment win over values read from the env file.
func New[T any](prefix string) (*T, error) {
	if filepath := resolveEnvPath(); filepath != "" {
		if err := exportEnvironment(filepath); err != nil {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	} else if err := exportEnvironmentIfExists(".env"); err != nil {
		return nil, fmt.Errorf("failed to load default env file: %w", err)
	}

	var conf T
	if err := envconfig.Process(prefix, &conf); err != nil {
		return nil, fmt.Errorf("config %s: %w", prefixName(prefix), err)
	}
	if v, ok := any(&conf).(Validator); ok {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("config %s: %w", prefixName(prefix), err)
		}
	}

	return &conf, nil
}

func prefixName(prefix string) string {
	if prefix == "" {
		return "(root)"
	}
	return prefix
}

func resolveEnvPath() string {
	parseOnce.Do(func() {
		if flag.Lookup("env") == nil {
			flag.StringVar(&envFilePath, "env", "", "path to .env or yaml config file")
		}
		if !flag.Parsed() {
			flag.Parse()
		}
	})
	if p := strings.TrimSpace(envFilePath); p != "" {
		return p
	}
	return strings.TrimSpace(os.Getenv(EnvFileVar))
}

func exportEnvironmentIfExists(filepath string) error {
	info, err := os.Stat(filepath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if info.IsDir() {
		return nil
	}
	return exportEnvironment(filepath)
}

// exportEnvironment reads the file once per process. Nested keys are joined with
// "_", so a yaml section upstash_redis: {url: ...} becomes UPSTASH_REDIS_URL.
func exportEnvironment(filepath string) error {
	loadMu.Lock()
	defer loadMu.Unlock()
	if loaded[filepath] {
		return nil
	}

	v := viper.New()
	v.SetConfigFile(filepath)
	if strings.HasPrefix(pathBase(filepath), ".env") {
		v.SetConfigType("env")
	}
	if err := v.ReadInConfig(); err != nil {
		return err
	}

	for k, val := range flatten("", v.AllSettings()) {
		if _, set := os.LookupEnv(k); set {
			continue
		}
		if err := os.Setenv(k, val); err != nil {
			return err
		}
	}

	loaded[filepath] = true
	return nil
}

func flatten(prefix string, settings map[string]any) map[string]string {
	out := make(map[string]string, len(settings))
	for k, v := range settings {
		key := strings.ToUpper(k)
		if prefix != "" {
			key = prefix + "_" + key
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = fmt.Sprint(v)
	}
	return out
}

func pathBase(p string) string {
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		return p[i+1:]
	}
	return p
}
