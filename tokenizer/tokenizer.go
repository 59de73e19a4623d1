// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tokenizer resolves the text tokenizer handed to the model,
// dataset and evaluator.
//
// A name is either a tiktoken encoding ("r50k_base", "cl100k_base") or a
// model name ("gpt-4"). Merge tables are read from a cache directory first;
// in offline mode nothing is fetched:
//
//	base, err := tokenizer.Resolve(tokenizer.Options{
//	    Name:     "r50k_base",
//	    CacheDir: "/models/tiktoken",
//	    Offline:  true,
//	})
//	if err != nil {
//	    return err
//	}
//	tok := tokenizer.WithMediaTokens(base) // adds <image>, <|endofchunk|>, <PAD>
package tokenizer

import "github.com/born-ml/borntrain/internal/tokenizer"

// Tokenizer converts between text and token IDs.
type Tokenizer = tokenizer.Tokenizer

// TikToken is a tiktoken-backed tokenizer.
type TikToken = tokenizer.TikToken

// MediaTokenizer adds the media marker tokens to a base tokenizer.
type MediaTokenizer = tokenizer.MediaTokenizer

// Options configure Resolve.
type Options = tokenizer.Options

// Media markers.
const (
	ImageToken      = tokenizer.ImageToken
	EndOfChunkToken = tokenizer.EndOfChunkToken
	PadToken        = tokenizer.PadTokenText
)

// ErrOffline is returned when an asset is missing in offline mode.
var ErrOffline = tokenizer.ErrOffline

// Resolve loads the named tokenizer.
func Resolve(opts Options) (*TikToken, error) {
	return tokenizer.Resolve(opts)
}

// WithMediaTokens extends base with the media markers.
func WithMediaTokens(base Tokenizer) *MediaTokenizer {
	return tokenizer.WithMediaTokens(base)
}
