package anthropic

// BuildCachedSystemBlocks returns text as a single system block with an
// ephemeral cache breakpoint. Stage prompts are identical across runs, so
// back-to-back runs read them from the prompt cache.
func BuildCachedSystemBlocks(text string) []SystemBlock {
	return []SystemBlock{
		{
			Text:         text,
			CacheControl: &CacheControl{},
		},
	}
}
