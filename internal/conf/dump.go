package conf

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/tphakala/aedbatch/internal/logger"
)

const redacted = "[REDACTED]"

// Dump writes the effective settings as YAML with secret values redacted.
func Dump(w io.Writer, settings *Settings) error {
	raw, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("error marshaling settings to YAML: %w", err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("error re-reading settings YAML: %w", err)
	}
	redactNode(&doc)

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return fmt.Errorf("error writing settings YAML: %w", err)
	}
	return enc.Close()
}

// redactNode blanks scalar values whose mapping key names a secret. URLs are
// passed through the log redactor so host names stay visible.
func redactNode(n *yaml.Node) {
	switch n.Kind {
	case yaml.DocumentNode, yaml.SequenceNode:
		for _, c := range n.Content {
			redactNode(c)
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			key, value := n.Content[i], n.Content[i+1]
			if value.Kind != yaml.ScalarNode {
				redactNode(value)
				continue
			}
			switch {
			case value.Value == "":
			case key.Value == "dsn",
				logger.IsSensitiveKey(key.Value) && key.Value != "passwordfile" && key.Value != "secretfile" && key.Value != "secretkeyfile":
				value.Value = redacted
				value.Style = 0
				value.Tag = "!!str"
			case key.Value == "url":
				value.Value = logger.RedactSensitiveData(value.Value)
			}
		}
	}
}
