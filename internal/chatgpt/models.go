// Package chatgpt drives the unofficial browser backend: per-request
// sessions, the chat-requirements negotiation, event-stream translation to
// the OpenAI chunk format, and file uploads for multimodal prompts.
package chatgpt

import (
	"math/rand"
	"strings"

	"github.com/ojama/chat2api-go/internal/config"
)

// ServedModels is the catalog published on /v1/models.
var ServedModels = []string{
	"gpt-3.5-turbo", "gpt-4", "gpt-4o", "gpt-4o-mini",
	"o1", "o1-mini", "o3-mini", "o3-mini-high",
}

var defaultAliases = map[string]string{
	"gpt-3.5-turbo":        "gpt-3.5-turbo-0125",
	"gpt-3.5-turbo-16k":    "gpt-3.5-turbo-16k-0613",
	"gpt-4":                "gpt-4-0613",
	"gpt-4-32k":            "gpt-4-32k-0613",
	"gpt-4-turbo-preview":  "gpt-4-0125-preview",
	"gpt-4-vision-preview": "gpt-4-1106-vision-preview",
	"gpt-4-turbo":          "gpt-4-turbo-2024-04-09",
	"gpt-4o":               "gpt-4o-2024-08-06",
	"gpt-4o-mini":          "gpt-4o-mini-2024-07-18",
	"o1-preview":           "o1-preview-2024-09-12",
	"o1-mini":              "o1-mini-2024-09-12",
	"o1":                   "o1-2024-12-18",
	"o3-mini":              "o3-mini-2025-01-31",
	"o3-mini-high":         "o3-mini-high-2025-01-31",
}

var defaultFingerprints = map[string][]string{
	"gpt-3.5-turbo-0125":     {"fp_b28b39ffa8"},
	"gpt-4-0125-preview":     {"fp_f38f4d6482", "fp_2f57f81c11"},
	"gpt-4-turbo-2024-04-09": {"fp_d1bac968b4"},
	"gpt-4o-2024-05-13":      {"fp_3aa7262c27"},
	"gpt-4o-mini-2024-07-18": {"fp_c9aa9c0491"},
}

// Catalog resolves published model ids to dated aliases and per-model
// system fingerprints, with optional overrides layered on the defaults.
type Catalog struct {
	aliases      map[string]string
	fingerprints map[string][]string
}

func NewCatalog(override *config.ModelCatalog) *Catalog {
	c := &Catalog{
		aliases:      make(map[string]string, len(defaultAliases)),
		fingerprints: make(map[string][]string, len(defaultFingerprints)),
	}
	for k, v := range defaultAliases {
		c.aliases[k] = v
	}
	for k, v := range defaultFingerprints {
		c.fingerprints[k] = v
	}
	if override != nil {
		for k, v := range override.Aliases {
			c.aliases[k] = v
		}
		for k, v := range override.Fingerprints {
			c.fingerprints[k] = v
		}
	}
	return c
}

// Alias returns the dated variant for a published id, or the id itself.
func (c *Catalog) Alias(model string) string {
	if alias, ok := c.aliases[model]; ok {
		return alias
	}
	return model
}

// Fingerprint picks a random system_fingerprint for the model, trying the
// model id and then its dated alias. Empty means the field is omitted.
func (c *Catalog) Fingerprint(model string) string {
	list, ok := c.fingerprints[model]
	if !ok {
		list = c.fingerprints[c.Alias(model)]
	}
	if len(list) == 0 {
		return ""
	}
	return list[rand.Intn(len(list))]
}

// UpstreamSlug maps a requested model name to the slug the browser backend
// accepts, using substring matching so dated variants land on their family.
// Unknown names fall back to the legacy free-tier slug.
func UpstreamSlug(requested string) string {
	switch {
	case strings.Contains(requested, "gpt-4o-mini"):
		return "gpt-4o-mini"
	case strings.Contains(requested, "gpt-4o"):
		return "gpt-4o"
	case strings.Contains(requested, "gpt-4"):
		return "gpt-4"
	case strings.Contains(requested, "o3-mini-high"):
		return "o3-mini-high"
	case strings.Contains(requested, "o3-mini"):
		return "o3-mini"
	case strings.Contains(requested, "o1-mini"):
		return "o1-mini"
	case strings.Contains(requested, "o1-pro"):
		return "o1-pro"
	case strings.Contains(requested, "o1"):
		return "o1"
	default:
		return "text-davinci-002-render-sha"
	}
}
