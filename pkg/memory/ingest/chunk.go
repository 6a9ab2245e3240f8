// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ingest

import (
	"strings"
	"unicode/utf8"
)

// chunkText splits text into pieces of roughly size bytes, carrying
// about overlap bytes of trailing context into the next piece so that
// information spanning a boundary stays retrievable. Splits prefer
// line breaks, then word breaks.
func chunkText(content string, size, overlap int) []string {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	if overlap >= size {
		overlap = size / 5
	}
	if len(content) <= size {
		return []string{content}
	}

	units := splitUnits(content, size)

	var chunks []string
	var window []string
	windowLen := 0

	emit := func() {
		if text := strings.TrimSpace(strings.Join(window, "\n")); text != "" {
			chunks = append(chunks, text)
		}

		// Trailing units within the overlap budget seed the next chunk.
		carried := 0
		start := len(window)
		for start > 0 && carried+len(window[start-1])+1 <= overlap {
			start--
			carried += len(window[start]) + 1
		}
		window = append([]string(nil), window[start:]...)
		windowLen = carried
	}

	for _, u := range units {
		if windowLen > 0 && windowLen+len(u)+1 > size {
			emit()
		}
		window = append(window, u)
		windowLen += len(u) + 1
	}

	if windowLen > 0 {
		last := strings.TrimSpace(strings.Join(window, "\n"))
		// Skip the tail when it is pure overlap already emitted.
		if last != "" && (len(chunks) == 0 || !strings.HasSuffix(chunks[len(chunks)-1], last)) {
			chunks = append(chunks, last)
		}
	}
	return chunks
}

// splitUnits breaks content into lines no longer than size bytes,
// word-splitting any line that exceeds it.
func splitUnits(content string, size int) []string {
	var units []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimRight(line, " \t\r")
		if len(line) <= size {
			units = append(units, line)
			continue
		}

		var b strings.Builder
		for _, word := range strings.Fields(line) {
			if len(word) > size {
				if b.Len() > 0 {
					units = append(units, b.String())
					b.Reset()
				}
				units = append(units, hardSplit(word, size)...)
				continue
			}
			if b.Len() > 0 && b.Len()+len(word)+1 > size {
				units = append(units, b.String())
				b.Reset()
			}
			if b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(word)
		}
		if b.Len() > 0 {
			units = append(units, b.String())
		}
	}
	return units
}

// hardSplit cuts an unbreakable word at rune boundaries.
func hardSplit(word string, size int) []string {
	var parts []string
	for len(word) > size {
		cut := size
		for cut > 0 && !utf8.RuneStart(word[cut]) {
			cut--
		}
		if cut == 0 {
			cut = size
		}
		parts = append(parts, word[:cut])
		word = word[cut:]
	}
	if word != "" {
		parts = append(parts, word)
	}
	return parts
}
