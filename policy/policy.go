// Package policy implements the filter-policy layer that vetoes
// instrumentation of specific processes by matching Sigma rules against a
// process's image name, hot-reloaded from a rules directory the way the
// teacher's sigma package watches enabled_rules/ with fsnotify.
package policy

import (
	"context"
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bradleyjkemp/sigma-go"
	"github.com/bradleyjkemp/sigma-go/evaluator"
	"github.com/fsnotify/fsnotify"

	"github.com/jnesss/vmi-unpack/paging"
	"github.com/jnesss/vmi-unpack/store"
)

// Checker evaluates the loaded rule set against monitored processes,
// vetoing instrumentation for any process an allow-list or exclusion
// rule matches.
type Checker struct {
	rulesDir string
	records  *store.DB

	mu         sync.RWMutex
	evaluators map[string]*evaluator.RuleEvaluator

	watcher *fsnotify.Watcher
}

func fieldMappingConfig() sigma.Config {
	return sigma.Config{
		Title: "vmi-unpack policy config",
		FieldMappings: map[string]sigma.FieldMapping{
			"Image":     {TargetNames: []string{"Image"}},
			"ProcessId": {TargetNames: []string{"ProcessId"}},
		},
	}
}

// NewChecker loads every rule under rulesDir/enabled_rules and starts
// watching it for changes. records may be nil, in which case Policy Match
// rows are only logged, not persisted.
func NewChecker(rulesDir string, records *store.DB) (*Checker, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("policy: failed to create file watcher: %v", err)
	}

	c := &Checker{
		rulesDir:   rulesDir,
		records:    records,
		evaluators: make(map[string]*evaluator.RuleEvaluator),
		watcher:    watcher,
	}

	enabledDir := filepath.Join(rulesDir, "enabled_rules")
	if err := os.MkdirAll(enabledDir, 0755); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("policy: failed to create %s: %v", enabledDir, err)
	}

	if err := c.watcher.Add(enabledDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("policy: failed to watch %s: %v", enabledDir, err)
	}
	go c.watchFileChanges()

	if err := c.LoadRules(); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("policy: failed to load rules: %v", err)
	}

	return c, nil
}

func (c *Checker) watchFileChanges() {
	for {
		select {
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".yml") && !strings.HasSuffix(event.Name, ".yaml") {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				log.Printf("policy: rule file changed (%s), reloading", event.Name)
				if err := c.LoadRules(); err != nil {
					log.Printf("policy: reload failed: %v", err)
				}
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("policy: file watcher error: %v", err)
		}
	}
}

// LoadRules reparses every rule file under rulesDir/enabled_rules,
// replacing the active evaluator set atomically.
func (c *Checker) LoadRules() error {
	enabledDir := filepath.Join(c.rulesDir, "enabled_rules")

	files, err := ioutil.ReadDir(enabledDir)
	if err != nil {
		return err
	}

	config := fieldMappingConfig()
	loaded := make(map[string]*evaluator.RuleEvaluator)

	for _, file := range files {
		if file.IsDir() {
			continue
		}
		ext := filepath.Ext(file.Name())
		if ext != ".yml" && ext != ".yaml" {
			continue
		}

		path := filepath.Join(enabledDir, file.Name())
		content, err := ioutil.ReadFile(path)
		if err != nil {
			log.Printf("policy: failed to read rule file %s: %v", path, err)
			continue
		}

		if sigma.InferFileType(content) != sigma.RuleFile {
			log.Printf("policy: %s is not a Sigma rule, skipping", path)
			continue
		}

		rule, err := sigma.ParseRule(content)
		if err != nil {
			log.Printf("policy: failed to parse rule file %s: %v", path, err)
			continue
		}

		loaded[rule.ID] = evaluator.ForRule(rule, evaluator.WithConfig(config))
		log.Printf("policy: loaded rule %q (%s)", rule.Title, rule.ID)
	}

	c.mu.Lock()
	c.evaluators = loaded
	c.mu.Unlock()

	log.Printf("policy: %d rule(s) active from %s", len(loaded), enabledDir)
	return nil
}

// Veto implements wx.PolicyChecker: mp is vetoed from instrumentation if
// any loaded rule matches its image name.
func (c *Checker) Veto(ctx context.Context, mp *paging.MP) (bool, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	event := map[string]interface{}{
		"Image":     mp.ImageName,
		"ProcessId": uint64(mp.PID),
	}

	for id, e := range c.evaluators {
		result, err := e.Matches(ctx, event)
		if err != nil {
			log.Printf("policy: rule %s evaluation error: %v", id, err)
			continue
		}
		if result.Match {
			c.recordMatch(mp, e.Rule.Title)
			return true, e.Rule.Title
		}
	}
	return false, ""
}

func (c *Checker) recordMatch(mp *paging.MP, rule string) {
	if c.records == nil {
		return
	}
	if err := c.records.InsertPolicyMatch(store.PolicyMatchRecord{
		PID:       uint64(mp.PID),
		ImageName: mp.ImageName,
		RuleName:  rule,
	}); err != nil {
		log.Printf("policy: failed to record policy match: %v", err)
	}
}

// Close stops the file watcher.
func (c *Checker) Close() error {
	return c.watcher.Close()
}
