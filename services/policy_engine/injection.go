// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package policy_engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/policy_engine/enforcement"
)

// InjectionRules is a compiled, immutable set of directive patterns.
type InjectionRules struct {
	version string
	rules   []InjectionRule
}

// DefaultInjectionRules loads the embedded rules. It panics if the
// embedded file is invalid, which a unit test guards against.
func DefaultInjectionRules() *InjectionRules {
	r, err := ParseInjectionRules(enforcement.InjectionPatterns)
	if err != nil {
		panic(fmt.Sprintf("embedded injection rules: %v", err))
	}
	return r
}

// ParseInjectionRules compiles a rule file. At least one rule is required.
func ParseInjectionRules(data []byte) (*InjectionRules, error) {
	var file InjectionRuleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal injection rules: %w", err)
	}
	if len(file.Rules) == 0 {
		return nil, fmt.Errorf("injection rules: no rules defined")
	}
	for i := range file.Rules {
		re, err := regexp.Compile(file.Rules[i].Regex)
		if err != nil {
			return nil, fmt.Errorf("injection rule %s: %w", file.Rules[i].Id, err)
		}
		file.Rules[i].compiled = re
	}
	return &InjectionRules{version: file.Version, rules: file.Rules}, nil
}

// LoadInjectionRulesFile reads and compiles a rule file from disk.
func LoadInjectionRulesFile(path string) (*InjectionRules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read injection rules: %w", err)
	}
	return ParseInjectionRules(data)
}

// Version returns the rule file version.
func (r *InjectionRules) Version() string { return r.version }

// FindAll returns every directive match in text ordered by start offset.
// Overlapping matches from different rules are all reported.
func (r *InjectionRules) FindAll(text string) []InjectionMatch {
	var out []InjectionMatch
	for _, rule := range r.rules {
		for _, loc := range rule.compiled.FindAllStringIndex(text, -1) {
			out = append(out, InjectionMatch{RuleID: rule.Id, Start: loc[0], End: loc[1]})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start != out[j].Start {
			return out[i].Start < out[j].Start
		}
		return out[i].End > out[j].End
	})
	return out
}

// Contains reports whether text has any directive.
func (r *InjectionRules) Contains(text string) bool {
	for _, rule := range r.rules {
		if rule.compiled.MatchString(text) {
			return true
		}
	}
	return false
}

// WatchInjectionRules reloads the rule file at path whenever it changes
// and hands each successfully compiled set to onReload. Invalid files are
// logged and ignored, keeping the previous rules in force.
//
// The directory is watched rather than the file so that editors which
// replace files by rename are picked up. Blocks until ctx is done.
func WatchInjectionRules(ctx context.Context, path string, onReload func(*InjectionRules), logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve rules path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	logger.Debug("Watching injection rules", "path", abs)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			rules, err := LoadInjectionRulesFile(abs)
			if err != nil {
				logger.Warn("Ignoring invalid injection rules", "path", abs, "error", err)
				continue
			}
			logger.Info("Reloaded injection rules", "path", abs, "version", rules.Version())
			onReload(rules)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Injection rules watcher error", "error", err)
		case <-ctx.Done():
			return nil
		}
	}
}
