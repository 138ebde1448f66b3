/*
   Copyright The grimoire Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package identifiers validates the names grimoire embeds in alert lines
// and compares against /proc comm values: pattern names and whitelist
// process names.
//
// A name is ASCII alphanumeric runs joined by single dots, underscores or
// dashes, and fits a pattern record's inline name field. Names that pass
// need no escaping in JSON and compare bytewise against the comm strings
// the kernel reports; comm holds at most 15 bytes, so a longer name never
// equals a comm value.
package identifiers

import (
	"fmt"

	"github.com/containerd/errdefs"
)

// maxLength matches the pattern record's inline name capacity.
const maxLength = 32

// Validate returns nil if s is usable as a pattern or whitelist name.
func Validate(s string) error {
	if len(s) == 0 {
		return fmt.Errorf("name must not be empty: %w", errdefs.ErrInvalidArgument)
	}
	if len(s) > maxLength {
		return fmt.Errorf("name %q longer than %d bytes: %w", s, maxLength, errdefs.ErrInvalidArgument)
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isAlphanum(c) {
			continue
		}
		if !isSeparator(c) {
			return fmt.Errorf("name %q contains invalid byte %q: %w", s, c, errdefs.ErrInvalidArgument)
		}
		// Separators join alphanumeric runs; they cannot lead, trail,
		// or double up.
		if i == 0 || i == len(s)-1 || isSeparator(s[i-1]) {
			return fmt.Errorf("name %q has a misplaced separator at byte %d: %w", s, i, errdefs.ErrInvalidArgument)
		}
	}
	return nil
}

func isAlphanum(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

func isSeparator(c byte) bool {
	return c == '.' || c == '_' || c == '-'
}
