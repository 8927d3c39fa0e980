// Package install renders the one-line bootstrap command an administrator
// pastes on a new machine to install the reporting agent.
package install

import (
	"fmt"
	"strings"

	"github.com/tphummel/fleetwatch/internal/models"
)

// Platform selects the shell the command is written for.
type Platform string

const (
	Linux   Platform = "linux"
	Windows Platform = "windows"
)

// Platforms lists every supported platform.
var Platforms = []Platform{Linux, Windows}

// ParsePlatform maps a query value to a Platform. The empty string means Linux.
func ParsePlatform(s string) (Platform, error) {
	switch Platform(strings.ToLower(strings.TrimSpace(s))) {
	case "", Linux:
		return Linux, nil
	case Windows:
		return Windows, nil
	}
	return "", fmt.Errorf("%w: unknown platform %q", models.ErrInvalidInput, s)
}

// Target is what the generated command binds the agent to.
type Target struct {
	Name     string
	ServerID string
	AgentKey string
}

// Generator renders commands that fetch the bootstrap script from BaseURL.
type Generator struct {
	BaseURL string
}

// Command returns the bootstrap command for p. Every interpolated value is
// quoted for the target shell, so the name is always a single positional
// argument and cannot end or extend the command.
func (g Generator) Command(p Platform, t Target) (string, error) {
	base := strings.TrimRight(g.BaseURL, "/")
	switch p {
	case Linux:
		return fmt.Sprintf("curl -fsSL %s | bash -s -- %s --server %s --id %s --key %s",
			shQuote(base+"/install.sh"), shQuote(t.Name), shQuote(base), shQuote(t.ServerID), shQuote(t.AgentKey)), nil
	case Windows:
		return fmt.Sprintf("& ([scriptblock]::Create((Invoke-RestMethod %s))) %s -Server %s -Id %s -Key %s",
			psQuote(base+"/install.ps1"), psQuote(t.Name), psQuote(base), psQuote(t.ServerID), psQuote(t.AgentKey)), nil
	}
	return "", fmt.Errorf("%w: unknown platform %q", models.ErrInvalidInput, p)
}

// All renders the command for every supported platform.
func (g Generator) All(t Target) map[Platform]string {
	out := make(map[Platform]string, len(Platforms))
	for _, p := range Platforms {
		cmd, _ := g.Command(p, t)
		out[p] = cmd
	}
	return out
}

// shQuote wraps s in POSIX single quotes. Nothing is special inside single
// quotes except the quote itself, which is closed, escaped, and reopened.
func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// psQuote wraps s in a PowerShell verbatim string. PowerShell also treats the
// typographic single quotes as quote characters, so all four are doubled.
func psQuote(s string) string {
	var b strings.Builder
	b.WriteByte('\'')
	for _, r := range s {
		switch r {
		case '\'', '‘', '’', '‚', '‛':
			b.WriteRune(r)
		}
		b.WriteRune(r)
	}
	b.WriteByte('\'')
	return b.String()
}
