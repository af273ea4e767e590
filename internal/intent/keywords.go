package intent

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/pelletier/go-toml/v2"

	"welfare-agent/internal/domain"
)

//go:embed keywords.toml
var defaultKeywordsTOML []byte

type keywordFile struct {
	Languages map[string]languageKeywords `toml:"languages"`
}

type languageKeywords struct {
	ECard       []string `toml:"ecard"`
	StatusCheck []string `toml:"status_check"`
}

// Keywords is the immutable, normalised Tier 1 lookup table.
type Keywords struct {
	ecard  []string
	status []string
}

// DefaultKeywords returns the table compiled into the binary.
func DefaultKeywords() (*Keywords, error) {
	return ParseKeywords(defaultKeywordsTOML)
}

// LoadKeywords reads a TOML keyword table from path. An empty path yields
// the default table.
func LoadKeywords(path string) (*Keywords, error) {
	if path == "" {
		return DefaultKeywords()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("intent: read keywords %q: %w", path, err)
	}
	return ParseKeywords(raw)
}

// ParseKeywords decodes a TOML keyword table and normalises every entry.
func ParseKeywords(raw []byte) (*Keywords, error) {
	var file keywordFile
	if err := toml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("intent: decode keywords: %w", err)
	}
	if len(file.Languages) == 0 {
		return nil, errors.New("intent: keyword table has no languages")
	}

	langs := make([]string, 0, len(file.Languages))
	for lang := range file.Languages {
		langs = append(langs, lang)
	}
	sort.Strings(langs)

	k := &Keywords{}
	for _, lang := range langs {
		entry := file.Languages[lang]
		k.ecard = appendNormalised(k.ecard, entry.ECard)
		k.status = appendNormalised(k.status, entry.StatusCheck)
	}
	if len(k.ecard) == 0 && len(k.status) == 0 {
		return nil, errors.New("intent: keyword table is empty")
	}
	return k, nil
}

// Match returns the Tier 1 intent for an already normalised message.
func (k *Keywords) Match(normalised string) (domain.Intent, bool) {
	if containsAny(normalised, k.ecard) {
		return domain.IntentECard, true
	}
	if containsAny(normalised, k.status) {
		return domain.IntentStatusCheck, true
	}
	return "", false
}

func appendNormalised(dst, words []string) []string {
	for _, w := range words {
		if n := Normalize(w); n != "" {
			dst = append(dst, n)
		}
	}
	return dst
}
