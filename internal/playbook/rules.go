package playbook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Rule adds a regex trigger for an already registered playbook.
type Rule struct {
	Playbook string `yaml:"playbook"`
	Pattern  string `yaml:"pattern"`
}

// RuleConfigFile is the YAML root structure.
type RuleConfigFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads rules from path. A missing file yields no rules.
func LoadRules(path string) ([]Rule, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var cfg RuleConfigFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse rules %s: %w", path, err)
	}
	return cfg.Rules, nil
}

// SetRules compiles rules and replaces the fallback table. On any error the
// previous table is kept.
func (r *Registry) SetRules(rules []Rule) error {
	compiled := make([]compiledRule, 0, len(rules))
	for i, rule := range rules {
		if rule.Playbook == "" || rule.Pattern == "" {
			return fmt.Errorf("rule %d: playbook and pattern are required", i)
		}
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return fmt.Errorf("rule %d (%s): %w", i, rule.Playbook, err)
		}
		compiled = append(compiled, compiledRule{playbook: rule.Playbook, pattern: re})
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rule := range compiled {
		if _, ok := r.playbooks[rule.playbook]; !ok {
			r.logger.Warn("rule references unknown playbook", slog.String("playbook", rule.playbook))
		}
	}
	r.rules = compiled
	return nil
}

// ReloadRules loads path and installs its rules.
func (r *Registry) ReloadRules(path string) error {
	rules, err := LoadRules(path)
	if err != nil {
		return err
	}
	if err := r.SetRules(rules); err != nil {
		return err
	}
	r.logger.Info("playbook rules loaded", slog.String("path", path), slog.Int("rules", len(rules)))
	return nil
}

// WatchRules loads path and reloads it whenever it changes, until ctx is
// cancelled. The parent directory is watched so editors that replace the
// file by rename are picked up.
func (r *Registry) WatchRules(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}
	if err := r.ReloadRules(path); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create rules watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(path)

	const debounce = 200 * time.Millisecond
	var reload <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				reload = time.After(debounce)
			}
		case <-reload:
			reload = nil
			if err := r.ReloadRules(path); err != nil {
				r.logger.Error("reload playbook rules", slog.String("path", path), slog.Any("error", err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("rules watcher error", slog.Any("error", err))
		}
	}
}
