package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultEnvPrefix 环境变量前缀，例如 LLMGW_SERVER_HTTP_PORT
const DefaultEnvPrefix = "LLMGW"

// OpenRouterKeyEnv 未设置 LLMGW_OPENROUTER_API_KEY 时读取的变量
const OpenRouterKeyEnv = "OPENROUTER_API_KEY"

// Option Load 的选项
type Option func(*loader)

type loader struct {
	file     string
	prefix   string
	dotenv   []string
	validate bool
	lookup   func(string) (string, bool)
}

// WithFile YAML 配置文件，不存在时忽略
func WithFile(path string) Option {
	return func(l *loader) { l.file = path }
}

// WithEnvPrefix 替换默认前缀 LLMGW
func WithEnvPrefix(prefix string) Option {
	return func(l *loader) { l.prefix = prefix }
}

// WithDotEnv 读取 .env 文件作为环境变量的补充，进程环境中已有的变量优先；
// 多个文件时靠前的优先。文件不存在时忽略。
func WithDotEnv(paths ...string) Option {
	return func(l *loader) { l.dotenv = append(l.dotenv, paths...) }
}

// WithValidation 合并完成后执行 Validate
func WithValidation() Option {
	return func(l *loader) { l.validate = true }
}

// Load 依次合并默认值、YAML 文件与环境变量
func Load(opts ...Option) (*Config, error) {
	l := &loader{prefix: DefaultEnvPrefix, lookup: os.LookupEnv}
	for _, opt := range opts {
		opt(l)
	}

	cfg := DefaultConfig()
	if err := l.readFile(cfg); err != nil {
		return nil, err
	}

	lookup, err := l.envSource()
	if err != nil {
		return nil, err
	}
	if err := bindEnv(reflect.ValueOf(cfg).Elem(), l.prefix, lookup); err != nil {
		return nil, err
	}
	if cfg.OpenRouter.APIKey == "" {
		cfg.OpenRouter.APIKey, _ = lookup(OpenRouterKeyEnv)
	}

	if l.validate {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (l *loader) readFile(cfg *Config) error {
	if l.file == "" {
		return nil
	}
	data, err := os.ReadFile(l.file)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config %s: %w", l.file, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", l.file, err)
	}
	return nil
}

// envSource 进程环境优先，其次是 .env 文件
func (l *loader) envSource() (func(string) (string, bool), error) {
	if len(l.dotenv) == 0 {
		return l.lookup, nil
	}

	fromFiles := make(map[string]string)
	for _, path := range l.dotenv {
		vars, err := godotenv.Read(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		for k, v := range vars {
			if _, seen := fromFiles[k]; !seen {
				fromFiles[k] = v
			}
		}
	}

	return func(key string) (string, bool) {
		if v, ok := l.lookup(key); ok {
			return v, true
		}
		v, ok := fromFiles[key]
		return v, ok
	}, nil
}

// bindEnv 按 env 标签递归拼接变量名，空值视为未设置
func bindEnv(v reflect.Value, prefix string, lookup func(string) (string, bool)) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("env")
		if tag == "" || tag == "-" {
			continue
		}
		key := prefix + "_" + tag
		field := v.Field(i)

		if field.Kind() == reflect.Struct && field.Type() != durationType {
			if err := bindEnv(field, key, lookup); err != nil {
				return err
			}
			continue
		}

		raw, ok := lookup(key)
		if !ok || raw == "" {
			continue
		}
		if err := decodeEnv(field, raw); err != nil {
			return fmt.Errorf("%s=%q: %w", key, raw, err)
		}
	}
	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

func decodeEnv(field reflect.Value, raw string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(raw, 10, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetUint(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", field.Type())
		}
		field.Set(reflect.ValueOf(splitList(raw)))
	case reflect.Map:
		limits, err := parseLimits(raw)
		if err != nil {
			return err
		}
		field.Set(reflect.ValueOf(limits))
	default:
		return fmt.Errorf("unsupported field type %s", field.Type())
	}
	return nil
}

// splitList 逗号分隔，去掉空项
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseLimits 解析 "chat_completion=20,dataset_generation=5"
func parseLimits(raw string) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, pair := range splitList(raw) {
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("expected name=amount, got %q", pair)
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return nil, err
		}
		out[strings.TrimSpace(name)] = f
	}
	return out, nil
}
