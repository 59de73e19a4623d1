// Package tokenizer resolves the text tokenizer handed to the model builder,
// the dataset provider and the evaluators.
//
// Tokenizers are tiktoken BPE encodings, named either by encoding
// ("r50k_base", "cl100k_base") or by model ("gpt-4"). Their merge tables are
// read from a local cache directory first; in offline mode nothing else is
// tried.
//
// WithMediaTokens extends a base tokenizer with the interleaved-media markers
// used in training text:
//
//	<image>a dog on a skateboard<|endofchunk|>
//
// Example usage:
//
//	tok, err := tokenizer.Resolve(tokenizer.Options{
//	    Name:     "r50k_base",
//	    CacheDir: "/data/tiktoken",
//	    Offline:  true,
//	})
//	if err != nil {
//	    return err
//	}
//	media := tokenizer.WithMediaTokens(tok)
//	ids, err := media.Encode("<image>a photo of a cat<|endofchunk|>")
package tokenizer
