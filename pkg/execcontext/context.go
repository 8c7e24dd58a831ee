package execcontext

import (
	"fmt"
	"maps"
	"os/exec"
	"sort"
	"strings"
)

// Shell selects the quoting rules used when a command is rendered as a single line.
type Shell int

const (
	// ShellPOSIX renders commands for sh-compatible shells (Linux routers, local host).
	ShellPOSIX Shell = iota
	// ShellCmd renders commands for cmd.exe on Windows guests.
	ShellCmd
)

type Context interface {
	Envs() map[string]string
	PrependCmd() []string
	Shell() Shell
}

// New returns a POSIX execution context.
func New(envs map[string]string, prependCmd []string) Context {
	return NewWithShell(ShellPOSIX, envs, prependCmd)
}

// NewWindows returns an execution context rendering commands for cmd.exe.
func NewWindows(envs map[string]string) Context {
	return NewWithShell(ShellCmd, envs, nil)
}

func NewWithShell(shell Shell, envs map[string]string, prependCmd []string) Context {
	return &context{
		shell:      shell,
		prependCmd: prependCmd,
		envs:       envs,
	}
}

type context struct {
	shell      Shell
	envs       map[string]string
	prependCmd []string
}

// Envs implements Context.
func (c *context) Envs() map[string]string {
	out := make(map[string]string, len(c.envs))
	maps.Copy(out, c.envs)
	return out
}

// PrependCmd implements Context.
func (c *context) PrependCmd() []string {
	out := make([]string, len(c.prependCmd))
	copy(out, c.prependCmd)
	return out
}

// Shell implements Context.
func (c *context) Shell() Shell {
	return c.shell
}

// ApplyToCmd injects the environment and prepended command of ctx into a local command.
func ApplyToCmd(ctx Context, cmd *exec.Cmd) {
	for k, v := range ctx.Envs() {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	prependCmd := ctx.PrependCmd()
	if len(prependCmd) < 1 {
		return
	}

	tmpCmd := exec.Command(prependCmd[0], prependCmd[1:]...)
	cmd.Path = tmpCmd.Path
	cmd.Args = append(tmpCmd.Args, cmd.Args...)
}

// FormatCmd renders cmd as a single command line for the shell of ctx.
func FormatCmd(ctx Context, cmd ...string) string {
	var b strings.Builder

	envs := ctx.Envs()
	keys := make([]string, 0, len(envs))
	for k := range envs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		switch ctx.Shell() {
		case ShellCmd:
			// set "K=V" && cmd
			fmt.Fprintf(&b, "set \"%s=%s\" && ", k, envs[k])
		default:
			fmt.Fprintf(&b, "%s=%q ", k, envs[k])
		}
	}

	for _, s := range ctx.PrependCmd() {
		safelyAppendToCmd(&b, ctx.Shell(), s)
	}

	for _, s := range cmd {
		safelyAppendToCmd(&b, ctx.Shell(), s)
	}

	return strings.TrimSpace(b.String())
}

var unquottable = map[string]struct{}{
	"&&": {},
	"||": {},
	";":  {},
	":":  {},
	"&":  {},
	"|":  {},
}

func safelyAppendToCmd(b *strings.Builder, shell Shell, s string) {
	if _, ok := unquottable[s]; ok {
		b.WriteString(s)
		b.WriteByte(' ')
		return
	}

	switch shell {
	case ShellCmd:
		b.WriteString(quoteCmd(s))
	default:
		fmt.Fprintf(b, "%q", s)
	}
	b.WriteByte(' ')
}

// quoteCmd leaves plain words untouched, since cmd.exe treats backslashes literally,
// and wraps anything containing whitespace or metacharacters in double quotes.
func quoteCmd(s string) string {
	if s == "" {
		return `""`
	}
	if !strings.ContainsAny(s, " \t\"&|<>^") {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}
