package config

import "maps"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	RoutingChanged bool
	NewRouting     RoutingConfig

	// PromptsChanged reports a change of the rejection text. Other prompts
	// need a restart since they are baked into the stage components.
	PromptsChanged bool
	NewRejection   string

	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists changed sections that only take effect after a
	// restart.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.RoutingChanged && !d.PromptsChanged && !d.LogLevelChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Routing knobs used per turn.
	o, n := old.Routing, new.Routing
	if o.TopK != n.TopK || o.DistanceCutoff != n.DistanceCutoff || o.RerankThreshold != n.RerankThreshold {
		d.RoutingChanged = true
		d.NewRouting = n
	}
	if o.SynthesisAttempts != n.SynthesisAttempts {
		d.RestartRequired = append(d.RestartRequired, "routing.synthesis_attempts")
	}
	if o.ContextBudget != n.ContextBudget || o.Tokenizer != n.Tokenizer {
		d.RestartRequired = append(d.RestartRequired, "routing.context_budget")
	}

	if old.Prompts.Rejection != new.Prompts.Rejection {
		d.PromptsChanged = true
		d.NewRejection = new.Prompts.Rejection
	}
	if old.Prompts.System != new.Prompts.System ||
		old.Prompts.Summary != new.Prompts.Summary ||
		old.Prompts.Synthesis != new.Prompts.Synthesis {
		d.RestartRequired = append(d.RestartRequired, "prompts")
	}

	if !providersEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Catalog.PostgresDSN != new.Catalog.PostgresDSN ||
		old.Catalog.EmbeddingDimensions != new.Catalog.EmbeddingDimensions ||
		old.Catalog.EmbeddingPrompt != new.Catalog.EmbeddingPrompt ||
		old.Catalog.EmbeddingCacheSize != new.Catalog.EmbeddingCacheSize {
		d.RestartRequired = append(d.RestartRequired, "catalog")
	}
	if old.Timeouts != new.Timeouts {
		d.RestartRequired = append(d.RestartRequired, "timeouts")
	}
	if old.Dispatch.BaseURL != new.Dispatch.BaseURL ||
		old.Dispatch.UserAgent != new.Dispatch.UserAgent ||
		old.Dispatch.MaxBodyBytes != new.Dispatch.MaxBodyBytes ||
		!maps.Equal(old.Dispatch.Headers, new.Dispatch.Headers) ||
		!maps.Equal(old.Dispatch.Params, new.Dispatch.Params) {
		d.RestartRequired = append(d.RestartRequired, "dispatch")
	}
	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}

	return d
}

// providersEqual compares the identifying fields of each provider. Options,
// JSON and fallbacks are not compared deeply; a change there without a change
// of name, model or endpoint is not detected.
func providersEqual(a, b ProvidersConfig) bool {
	same := func(x, y ProviderEntry) bool {
		return x.Name == y.Name && x.Model == y.Model && x.BaseURL == y.BaseURL &&
			x.APIKey == y.APIKey && len(x.Fallbacks) == len(y.Fallbacks)
	}
	return same(a.Embeddings, b.Embeddings) && same(a.Rerank, b.Rerank) && same(a.LLM, b.LLM)
}
