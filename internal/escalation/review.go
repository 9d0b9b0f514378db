package escalation

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/toolwarden/internal/store"
)

// tokenPrefix makes approval tokens recognizable in logs and shell history.
const tokenPrefix = "apv_"

func newTokenValue() string {
	return tokenPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// FormatReviewBlock renders the message shown to whoever must approve a
// blocked call. It names the tool and token but never the arguments.
func FormatReviewBlock(reason string, t store.Token) string {
	var b strings.Builder
	b.WriteString("--- approval required ---\n")
	fmt.Fprintf(&b, "tool:    %s\n", t.ToolName)
	if t.Agent != "" {
		fmt.Fprintf(&b, "agent:   %s\n", t.Agent)
	}
	fmt.Fprintf(&b, "reason:  %s\n", reason)
	fmt.Fprintf(&b, "token:   %s\n", t.Token)
	fmt.Fprintf(&b, "expires: %s (%s)\n", t.ExpiresAt().UTC().Format(time.RFC3339), time.Duration(t.TTL)*time.Second)
	fmt.Fprintf(&b, "approve: toolwarden approve %s\n", t.Token)
	fmt.Fprintf(&b, "deny:    toolwarden deny %s\n", t.Token)
	b.WriteString("then retry the call with the token attached\n")
	b.WriteString("-------------------------")
	return b.String()
}
