// Copyright 2025-2026 QGram Authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog"
)

// Blacklist drops messages whose text matches any configured pattern.
// Patterns that compile as regular expressions match as such; the rest
// match as plain substrings.
type Blacklist struct {
	enabled  bool
	keywords []string
	patterns []*regexp.Regexp
}

// NewBlacklist compiles the configured patterns. Patterns that fail to
// compile are kept as plain keywords rather than rejected.
func NewBlacklist(enabled bool, patterns []string, log zerolog.Logger) *Blacklist {
	b := &Blacklist{enabled: enabled}
	for _, p := range patterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			log.Warn().Str("pattern", p).Err(err).Msg("Blacklist pattern is not a valid regexp, matching as keyword")
			b.keywords = append(b.keywords, strings.ToLower(p))
			continue
		}
		b.patterns = append(b.patterns, re)
	}
	return b
}

// Matches reports whether the text hits any blacklist entry, case
// insensitively. A disabled blacklist never matches.
func (b *Blacklist) Matches(text string) bool {
	if b == nil || !b.enabled || text == "" {
		return false
	}
	lower := strings.ToLower(text)
	for _, kw := range b.keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	for _, re := range b.patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
