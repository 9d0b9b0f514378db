package policydiff

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FormatText renders the diff result as human-readable text.
func FormatText(r *DiffResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Policy diff: %s → %s\n", r.OldPath, r.NewPath)
	if r.OldHash != "" || r.NewHash != "" {
		fmt.Fprintf(&b, "  %s → %s\n", r.OldHash, r.NewHash)
	}
	if !r.HasChanges {
		b.WriteString("\nNo changes detected.\n")
		return b.String()
	}

	var scalars, members []Change
	for _, c := range r.Changes {
		if isMember(c) {
			members = append(members, c)
		} else {
			scalars = append(scalars, c)
		}
	}

	if len(scalars) > 0 {
		b.WriteString("\n")
		for _, c := range scalars {
			fmt.Fprintf(&b, "  %-36s %s → %s", c.Field+":", c.Old, c.New)
			if c.Comment != "" {
				fmt.Fprintf(&b, "  (%s)", c.Comment)
			}
			b.WriteString("\n")
		}
	}

	if len(members) > 0 {
		b.WriteString("\n")
		for _, c := range members {
			if c.New != "" {
				fmt.Fprintf(&b, "  %s: + %s", c.Field, c.New)
			} else {
				fmt.Fprintf(&b, "  %s: - %s", c.Field, c.Old)
			}
			if _, comment, ok := strings.Cut(c.Comment, ", "); ok {
				fmt.Fprintf(&b, "  (%s)", comment)
			}
			b.WriteString("\n")
		}
	}

	section := ""
	for _, rc := range r.RuleChanges {
		if rc.Section != section {
			section = rc.Section
			fmt.Fprintf(&b, "\n  %s:\n", section)
		}
		switch rc.Type {
		case "added":
			fmt.Fprintf(&b, "    + %s\n", rc.Rule)
		case "removed":
			fmt.Fprintf(&b, "    - %s\n", rc.Rule)
		case "changed":
			fmt.Fprintf(&b, "    ~ %s\n", rc.Rule)
		}
	}

	return b.String()
}

func isMember(c Change) bool {
	return strings.HasPrefix(c.Comment, "added") || strings.HasPrefix(c.Comment, "removed")
}

// FormatJSON renders the diff result as JSON.
func FormatJSON(r *DiffResult) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal diff result: %w", err)
	}
	return string(data), nil
}
