package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	llmerrors "github.com/blueberrycongee/routecore/pkg/errors"
	"github.com/blueberrycongee/routecore/pkg/types"
)

// defaultMaxTokens is the final fallback when no explicit maxTokens is set
// anywhere in the provider/model chain (§4.1).
const defaultMaxTokens = 4096

// defaultTimeoutMs / defaultMaxRetries apply when a providerType template
// doesn't set them.
const (
	defaultTimeoutMs  = 60000
	defaultMaxRetries = 2
)

// defaultMaxConcurrentPerKey is the per-key concurrency gate used when a
// provider does not set max_concurrent explicitly.
const defaultMaxConcurrentPerKey = 4

// default429WindowSeconds / defaultErrorWindowSeconds are the blacklist
// window defaults adopted per §9's open-question resolution: explicit
// window defaults for pipeline-level blacklisting, independent of the
// per-key cooldown multiplier escalation.
const (
	default429WindowSeconds   = 60
	defaultErrorWindowSeconds = 300
)

// BlacklistWindows carries the resolved pipeline-blacklist windows,
// threaded from UserConfig.blacklistSettings into LoadBalancer construction.
type BlacklistWindows struct {
	Window429   time.Duration
	WindowError time.Duration
}

// Assembler turns a (UserConfig, SystemConfig) pair into an immutable
// RoutingTable, or a *errors.ConfigError listing every problem found. It
// never short-circuits validation on the first failure (§4.1).
type Assembler struct{}

// NewAssembler constructs an Assembler. It holds no state: every assembly
// is a pure function of its inputs (§9: components depend only on the
// immutable table, not on each other).
func NewAssembler() *Assembler { return &Assembler{} }

// Assemble validates the given configuration pair and, if valid, expands it
// into a RoutingTable. Assembly runs exactly once at startup and on every
// live reload request; callers serialize concurrent reloads (see Manager).
func (a *Assembler) Assemble(user *UserConfig, system *SystemConfig) (*types.RoutingTable, BlacklistWindows, error) {
	var problems []string

	providerByName := make(map[string]*ProviderSpecDoc, len(user.Providers))
	for i := range user.Providers {
		p := &user.Providers[i]
		if p.Name == "" {
			problems = append(problems, fmt.Sprintf("providers[%d]: missing name", i))
			continue
		}
		if _, dup := providerByName[p.Name]; dup {
			problems = append(problems, fmt.Sprintf("provider %q: duplicate name", p.Name))
			continue
		}
		providerByName[p.Name] = p
	}

	for name, p := range providerByName {
		if len(p.APIKey) == 0 {
			problems = append(problems, fmt.Sprintf("provider %q: must have at least one api_key", name))
		}
		compatTag := p.ServerCompatibility.Use
		protocolTag := firstNonEmpty(p.ProtocolTag, compatTag)
		transformerTag := firstNonEmpty(p.TransformerTag, compatTag)
		if compatTag != "" {
			if _, ok := system.ProviderTypes[compatTag]; !ok {
				problems = append(problems, fmt.Sprintf("provider %q: server_compatibility_tag %q not found in system config", name, compatTag))
			}
		}
		if protocolTag != "" {
			if _, ok := system.ProviderTypes[protocolTag]; !ok {
				problems = append(problems, fmt.Sprintf("provider %q: protocol_tag %q not found in system config", name, protocolTag))
			}
		}
		if transformerTag != "" {
			if _, ok := system.ProviderTypes[transformerTag]; !ok {
				problems = append(problems, fmt.Sprintf("provider %q: transformer_tag %q not found in system config", name, transformerTag))
			}
		}
	}

	type ruleEntry struct {
		category types.Category
		entries  []types.RoutingRuleEntry
	}
	var rules []ruleEntry

	if user.Router == nil {
		problems = append(problems, "router: missing; default category is mandatory")
	} else if strings.TrimSpace(user.Router[string(types.CategoryDefault)]) == "" {
		problems = append(problems, "router.default: missing or empty; default category is mandatory")
	}

	for catStr, raw := range user.Router {
		category := types.Category(catStr)
		if !validCategory(category) {
			problems = append(problems, fmt.Sprintf("router: unknown category %q", catStr))
			continue
		}
		entries, parseErr := parseRoutingRule(raw)
		if parseErr != nil {
			problems = append(problems, fmt.Sprintf("router.%s: %s", catStr, parseErr.Error()))
			continue
		}
		for _, e := range entries {
			p, ok := providerByName[e.Provider]
			if !ok {
				problems = append(problems, fmt.Sprintf("router.%s: provider %q not found", catStr, e.Provider))
				continue
			}
			if !providerHasModel(p, e.Model) {
				problems = append(problems, fmt.Sprintf("router.%s: model %q not found under provider %q", catStr, e.Model, e.Provider))
			}
		}
		rules = append(rules, ruleEntry{category: category, entries: entries})
	}

	if len(problems) > 0 {
		return nil, BlacklistWindows{}, llmerrors.NewConfigError(problems)
	}

	// Sort providers by weight descending, then config-file order, for the
	// "ordering within a category" rule (§3).
	sort.SliceStable(user.Providers, func(i, j int) bool {
		return user.Providers[i].Weight > user.Providers[j].Weight
	})
	providerOrder := make(map[string]int, len(user.Providers))
	for i, p := range user.Providers {
		providerOrder[p.Name] = i
		// The sort moved entries within the slice, so re-point each name at
		// its provider's new slot.
		providerByName[p.Name] = &user.Providers[i]
	}

	pipelines := make(map[string]types.PipelineConfig)
	categories := make(map[types.Category][]string)

	for _, re := range rules {
		sort.SliceStable(re.entries, func(i, j int) bool {
			wi := user.Providers[providerOrder[re.entries[i].Provider]].Weight
			wj := user.Providers[providerOrder[re.entries[j].Provider]].Weight
			if wi != wj {
				return wi > wj
			}
			return providerOrder[re.entries[i].Provider] < providerOrder[re.entries[j].Provider]
		})

		var ordered []string
		for _, e := range re.entries {
			p := providerByName[e.Provider]
			compatTag := p.ServerCompatibility.Use
			protocolTag := firstNonEmpty(p.ProtocolTag, compatTag)
			transformerTag := firstNonEmpty(p.TransformerTag, compatTag)
			tmpl := system.ProviderTypes[compatTag]

			modelMaxTokens := resolveModelMaxTokens(p, e.Model)

			for i := 0; i < len(p.APIKey); i++ {
				id := fmt.Sprintf("%s-%s-key%d", e.Provider, e.Model, i)
				if existing, ok := pipelines[id]; ok {
					ordered = append(ordered, id)
					_ = existing
					continue
				}
				endpoint := strings.TrimRight(p.APIBaseURL, "/") + tmpl.Endpoint
				timeoutMs := tmpl.Timeout
				if timeoutMs == 0 {
					timeoutMs = defaultTimeoutMs
				}
				maxRetries := tmpl.MaxRetries
				if maxRetries == 0 {
					maxRetries = defaultMaxRetries
				}
				maxConcurrent := p.MaxConcurrent
				if maxConcurrent <= 0 {
					maxConcurrent = defaultMaxConcurrentPerKey
				}
				cfg := types.PipelineConfig{
					PipelineID:        id,
					Category:          re.category,
					Provider:          e.Provider,
					TargetModel:       e.Model,
					Endpoint:          endpoint,
					APIKeyRef:         i,
					MaxTokens:         modelMaxTokens,
					TimeoutMs:         timeoutMs,
					MaxRetries:        maxRetries,
					MaxConcurrent:     maxConcurrent,
					ProviderKeyCount:  len(p.APIKey),
					RequestsPerSecond: p.RequestsPerSecond,
					Layers: types.LayerConfig{
						TransformerTag: transformerTag,
						ProtocolTag:    protocolTag,
						CompatTag:      compatTag,
						Provider:       e.Provider,
						TargetModel:    e.Model,
						Endpoint:       endpoint,
						APIKey:         p.APIKey[i],
						TimeoutMs:      timeoutMs,
						MaxTokens:      modelMaxTokens,
						MaxRetries:     maxRetries,
						CompatOptions:  p.ServerCompatibility.Options,
					},
				}
				pipelines[id] = cfg
				ordered = append(ordered, id)
			}
		}
		categories[re.category] = append(categories[re.category], ordered...)
	}

	table := &types.RoutingTable{
		Categories:  categories,
		Pipelines:   pipelines,
		GeneratedAt: time.Now(),
	}

	windows := BlacklistWindows{
		Window429:   time.Duration(orDefault(user.BlacklistSettings.Timeout429, default429WindowSeconds)) * time.Second,
		WindowError: time.Duration(orDefault(user.BlacklistSettings.TimeoutError, defaultErrorWindowSeconds)) * time.Second,
	}

	return table, windows, nil
}

func validCategory(c types.Category) bool {
	switch c {
	case types.CategoryDefault, types.CategoryCoding, types.CategoryReasoning, types.CategoryLongContext, types.CategoryWebSearch:
		return true
	}
	return false
}

// parseRoutingRule parses `provider,model[;provider,model]*` at assembly
// time, per §9's "no string parsing at request time".
func parseRoutingRule(raw string) ([]types.RoutingRuleEntry, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty routing rule")
	}
	var entries []types.RoutingRuleEntry
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.SplitN(part, ",", 2)
		if len(fields) != 2 {
			return nil, fmt.Errorf("malformed rule clause %q, want \"provider,model\"", part)
		}
		provider := strings.TrimSpace(fields[0])
		model := strings.TrimSpace(fields[1])
		if provider == "" || model == "" {
			return nil, fmt.Errorf("malformed rule clause %q, want \"provider,model\"", part)
		}
		entries = append(entries, types.RoutingRuleEntry{Provider: provider, Model: model})
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("rule produced no (provider,model) entries")
	}
	return entries, nil
}

func providerHasModel(p *ProviderSpecDoc, model string) bool {
	for _, m := range p.Models {
		if m.Name == model {
			return true
		}
	}
	return false
}

// resolveModelMaxTokens applies the §4.1 resolution order: explicit model
// value > provider-level value > fallback 4096.
func resolveModelMaxTokens(p *ProviderSpecDoc, model string) int {
	for _, m := range p.Models {
		if m.Name == model && m.MaxTokens > 0 {
			return m.MaxTokens
		}
	}
	if p.MaxTokens > 0 {
		return p.MaxTokens
	}
	return defaultMaxTokens
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
