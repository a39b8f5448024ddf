package anthropic

// BuildCachedSystemBlocks constructs system content blocks with a cache
// breakpoint. Every question of a run shares the same system prompt, so
// later calls read it from the prompt cache. An empty ttl uses the API
// default of five minutes.
func BuildCachedSystemBlocks(text, ttl string) []SystemBlock {
	return []SystemBlock{
		{
			Text: text,
			CacheControl: &CacheControl{
				TTL: ttl,
			},
		},
	}
}
