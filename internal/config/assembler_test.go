package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/routecore/pkg/types"
)

func lmstudioUserConfig() *UserConfig {
	return &UserConfig{
		Providers: []ProviderSpecDoc{{
			Name:                "lmstudio",
			APIBaseURL:          "http://localhost:1234/v1",
			APIKey:              StringOrSlice{"unused"},
			Models:              []ModelEntry{{Name: "gpt-oss-20b"}},
			ServerCompatibility: ServerCompatibilitySpec{Use: "lmstudio"},
		}},
		Router: map[string]string{"default": "lmstudio,gpt-oss-20b"},
	}
}

// Scenario 1 of §8: default classification/assembly end-to-end.
func TestAssemble_DefaultScenario(t *testing.T) {
	a := NewAssembler()
	table, windows, err := a.Assemble(lmstudioUserConfig(), DefaultSystemConfig())
	require.NoError(t, err)

	ids := table.PipelineIDsForCategory(types.CategoryDefault)
	require.Equal(t, []string{"lmstudio-gpt-oss-20b-key0"}, ids)

	cfg, ok := table.Config("lmstudio-gpt-oss-20b-key0")
	require.True(t, ok)
	require.Equal(t, "http://localhost:1234/v1/chat/completions", cfg.Endpoint)
	require.Equal(t, "gpt-oss-20b", cfg.TargetModel)
	require.Equal(t, 4096, cfg.MaxTokens)
	require.Equal(t, 60*time.Second, windows.Window429, "default 429 blacklist window is 60s (§9)")
}

func TestAssemble_MissingDefaultCategoryFails(t *testing.T) {
	cfg := lmstudioUserConfig()
	cfg.Router = map[string]string{"coding": "lmstudio,gpt-oss-20b"}
	_, _, err := NewAssembler().Assemble(cfg, DefaultSystemConfig())
	require.Error(t, err)
}

func TestAssemble_UnknownProviderInRuleFails(t *testing.T) {
	cfg := lmstudioUserConfig()
	cfg.Router["default"] = "nonexistent,some-model"
	_, _, err := NewAssembler().Assemble(cfg, DefaultSystemConfig())
	require.Error(t, err)
}

func TestAssemble_UnknownModelInRuleFails(t *testing.T) {
	cfg := lmstudioUserConfig()
	cfg.Router["default"] = "lmstudio,no-such-model"
	_, _, err := NewAssembler().Assemble(cfg, DefaultSystemConfig())
	require.Error(t, err)
}

func TestAssemble_ProviderWithoutAPIKeyFails(t *testing.T) {
	cfg := lmstudioUserConfig()
	cfg.Providers[0].APIKey = nil
	_, _, err := NewAssembler().Assemble(cfg, DefaultSystemConfig())
	require.Error(t, err)
}

func TestAssemble_UnknownCompatTagFails(t *testing.T) {
	cfg := lmstudioUserConfig()
	cfg.Providers[0].ServerCompatibility.Use = "does-not-exist"
	_, _, err := NewAssembler().Assemble(cfg, DefaultSystemConfig())
	require.Error(t, err)
}

func TestAssemble_AccumulatesAllProblems(t *testing.T) {
	cfg := &UserConfig{
		Providers: []ProviderSpecDoc{{Name: "p1"}}, // no api_key, no models
		Router:    map[string]string{"default": "p1,missing-model", "coding": "unknown-provider,m"},
	}
	_, _, err := NewAssembler().Assemble(cfg, DefaultSystemConfig())
	require.Error(t, err)
	// The assembler never short-circuits: at least the missing-api-key and
	// unknown-provider problems must both surface in the aggregated error.
	require.Contains(t, err.Error(), "api_key")
	require.Contains(t, err.Error(), "unknown-provider")
}

// Scenario 2 of §8: multiple API keys expand into one pipeline per key index.
func TestAssemble_ExpandsOnePipelinePerAPIKey(t *testing.T) {
	cfg := lmstudioUserConfig()
	cfg.Providers[0].APIKey = StringOrSlice{"key-a", "key-b", "key-c"}
	table, _, err := NewAssembler().Assemble(cfg, DefaultSystemConfig())
	require.NoError(t, err)

	ids := table.PipelineIDsForCategory(types.CategoryDefault)
	require.ElementsMatch(t, []string{
		"lmstudio-gpt-oss-20b-key0",
		"lmstudio-gpt-oss-20b-key1",
		"lmstudio-gpt-oss-20b-key2",
	}, ids)
}

// Pipeline uniqueness (§8 property): the same (provider, model, key) reached
// through two categories is emitted once and referenced by both.
func TestAssemble_DedupesPipelineAcrossCategories(t *testing.T) {
	cfg := lmstudioUserConfig()
	cfg.Router["coding"] = "lmstudio,gpt-oss-20b"
	table, _, err := NewAssembler().Assemble(cfg, DefaultSystemConfig())
	require.NoError(t, err)

	require.Len(t, table.Pipelines, 1)
	require.Equal(t, table.PipelineIDsForCategory(types.CategoryDefault), table.PipelineIDsForCategory(types.CategoryCoding))
}

// Max-tokens resolution order (§4.1): explicit model value > provider value > 4096.
func TestAssemble_MaxTokensResolutionOrder(t *testing.T) {
	cfg := lmstudioUserConfig()
	cfg.Providers[0].MaxTokens = 8000
	cfg.Providers[0].Models = []ModelEntry{{Name: "gpt-oss-20b", MaxTokens: 2000}}
	table, _, err := NewAssembler().Assemble(cfg, DefaultSystemConfig())
	require.NoError(t, err)
	pCfg, _ := table.Config("lmstudio-gpt-oss-20b-key0")
	require.Equal(t, 2000, pCfg.MaxTokens, "explicit model maxTokens must win over provider-level value")

	cfg.Providers[0].Models = []ModelEntry{{Name: "gpt-oss-20b"}}
	table, _, err = NewAssembler().Assemble(cfg, DefaultSystemConfig())
	require.NoError(t, err)
	pCfg, _ = table.Config("lmstudio-gpt-oss-20b-key0")
	require.Equal(t, 8000, pCfg.MaxTokens, "provider-level maxTokens must win over the 4096 fallback")
}

// Provider weight ordering (§3): higher weight sorts first within a category.
func TestAssemble_OrdersByWeightDescending(t *testing.T) {
	cfg := &UserConfig{
		Providers: []ProviderSpecDoc{
			{Name: "low", APIBaseURL: "http://a", APIKey: StringOrSlice{"k"}, Models: []ModelEntry{{Name: "m"}}, Weight: 1, ServerCompatibility: ServerCompatibilitySpec{Use: "generic"}},
			{Name: "high", APIBaseURL: "http://b", APIKey: StringOrSlice{"k"}, Models: []ModelEntry{{Name: "m"}}, Weight: 10, ServerCompatibility: ServerCompatibilitySpec{Use: "generic"}},
		},
		Router: map[string]string{"default": "low,m;high,m"},
	}
	table, _, err := NewAssembler().Assemble(cfg, DefaultSystemConfig())
	require.NoError(t, err)
	ids := table.PipelineIDsForCategory(types.CategoryDefault)
	require.Equal(t, []string{"high-m-key0", "low-m-key0"}, ids)
}
