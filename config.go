package freehp

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config holds every recognized setting, with struct-tag driven defaults
// applied the same way the teacher's setDefaultValues/validate helpers
// already work (see helpers.go), now generalized from Worker to Config.
type Config struct {
	Bind string `yaml:"bind" default:"0.0.0.0:6256"`

	BlockTime      int    `yaml:"block_time" default:"7200"`
	MaxFailTimes   int    `yaml:"max_fail_times" default:"2"`
	Checker        string `yaml:"checker" default:"freehp.checker.HttpbinChecker"`
	CheckerURL     string `yaml:"checker_url"`
	CheckerStatus  string `yaml:"checker_status"`
	CheckerTimeout int    `yaml:"checker_timeout" default:"10"`
	CheckerClients int    `yaml:"checker_clients" default:"100"`
	CheckInterval  int    `yaml:"check_interval" default:"300"`

	ScrapInterval   int               `yaml:"scrap_interval" default:"300"`
	SpiderTimeout   int               `yaml:"spider_timeout" default:"30"`
	SpiderSleepTime int               `yaml:"spider_sleep_time" default:"5"`
	SpiderHeaders   map[string]string `yaml:"spider_headers"`
	ProxyPages      []ProxySource     `yaml:"proxy_pages"`

	QueueSize    int `yaml:"queue_size" default:"500"`
	MinAnonymity int `yaml:"min_anonymity" default:"0"`

	LogLevel      string `yaml:"log_level" default:"INFO"`
	LogFile       string `yaml:"log_file"`
	LogFormat     string `yaml:"log_format"`
	LogDateformat string `yaml:"log_dateformat"`

	DBFile  string `yaml:"db_file"`
	DBTable string `yaml:"db_table" default:"proxies"`
}

// BackupSize is derived: 10x the active queue capacity, per spec.md §6.
func (c *Config) BackupSize() int {
	return 10 * c.QueueSize
}

// DefaultSpiderHeaders mirrors freehp.defaultconfig's realistic desktop
// Chrome fingerprint plus the zh-CN accept-language the original shipped.
func DefaultSpiderHeaders() map[string]string {
	return map[string]string{
		"User-Agent":      ua.agents[0],
		"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
		"Accept-Language": "zh-CN,zh;q=0.8",
		"Connection":      "keep-alive",
	}
}

// LoadConfig reads a YAML config file, applies struct-tag defaults, and
// validates required fields, mirroring mercator-hq/jupiter's
// pkg/config/load.go shape.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("freehp: reading config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("freehp: parsing config %q: %w", path, err)
		}
	}

	setDefaultValues(cfg)
	if cfg.SpiderHeaders == nil {
		cfg.SpiderHeaders = DefaultSpiderHeaders()
	}
	for i, src := range cfg.ProxyPages {
		if src.Template != "" {
			cfg.ProxyPages[i].URLs = append(cfg.ProxyPages[i].URLs, expandPageRange(src.Template, src.PageFrom, src.PageTo)...)
		}
	}
	validate(cfg)

	return cfg, nil
}

// ApplyOverrides mutates cfg in place from "-s NAME=VALUE" style CLI
// overrides, matching a field by its yaml tag and setting it with the
// value parsed to the field's Go type. Unknown names are reported, not
// silently ignored, since a typo'd override should fail config loading
// rather than be silently dropped (spec.md §7's "config error" kind).
func ApplyOverrides(cfg *Config, overrides []string) error {
	for _, o := range overrides {
		name, value, ok := strings.Cut(o, "=")
		if !ok {
			return fmt.Errorf("freehp: malformed override %q, want NAME=VALUE", o)
		}
		if err := setField(cfg, name, value); err != nil {
			return err
		}
	}
	return nil
}

// setField sets the Config field whose `yaml` tag equals name to value,
// parsed according to the field's Go type. Only scalar fields (string,
// int, bool) are reachable this way, matching the original's -s flag,
// which only ever overrode flat scalar settings.
func setField(cfg *Config, name, value string) error {
	tof := reflect.TypeOf(cfg).Elem()
	vof := reflect.ValueOf(cfg).Elem()

	for i := 0; i < tof.NumField(); i++ {
		tag := tof.Field(i).Tag.Get("yaml")
		if tag != name {
			continue
		}
		field := vof.Field(i)
		switch field.Kind() {
		case reflect.String:
			field.SetString(value)
		case reflect.Int:
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("freehp: override %q: %w", name, err)
			}
			field.SetInt(int64(n))
		case reflect.Bool:
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("freehp: override %q: %w", name, err)
			}
			field.SetBool(b)
		default:
			return fmt.Errorf("freehp: override %q: unsupported field type %s", name, field.Kind())
		}
		return nil
	}
	return fmt.Errorf("freehp: unknown config key %q", name)
}

// WatchConfig watches path for writes and calls onChange with a freshly
// loaded Config after each debounced change, modeled on
// mercator-hq/jupiter's pkg/policy/manager/watcher.go. It blocks until the
// watcher's Events or Errors channel closes; callers run it in its own
// goroutine. It returns only an error and offers no handle to stop it, so
// in practice it runs until the process exits.
func WatchConfig(path string, debounce time.Duration, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("freehp: creating config watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("freehp: watching config %q: %w", path, err)
	}

	var timer *time.Timer
	reload := func() {
		cfg, err := LoadConfig(path)
		if err != nil {
			log.Printf("freehp: config reload failed, keeping previous config: %v", err)
			return
		}
		onChange(cfg)
	}

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("freehp: config watcher error: %v", err)
		}
	}
}

// expandPageRange expands a URL template with a numeric range, e.g.
// "http://example.com/list_{page}.html" with pages 1..3 into three URLs,
// per spec.md §6's "URL may be templated with {page} or [page]".
func expandPageRange(template string, from, to int) []string {
	urls := make([]string, 0, to-from+1)
	for p := from; p <= to; p++ {
		s := strings.NewReplacer(
			"{page}", strconv.Itoa(p),
			"[page]", strconv.Itoa(p),
		).Replace(template)
		urls = append(urls, s)
	}
	return urls
}
