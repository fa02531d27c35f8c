package notify

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

// Desktop shows notifications as OS popups via osascript or notify-send
type Desktop struct {
	goos string
	run  func(ctx context.Context, name string, args ...string) error
}

// NewDesktop creates a popup notifier for the current OS
func NewDesktop() *Desktop {
	return &Desktop{goos: runtime.GOOS, run: runCommand}
}

func runCommand(ctx context.Context, name string, args ...string) error {
	return exec.CommandContext(ctx, name, args...).Run()
}

// Send shows n; it does nothing on platforms without popup support
func (d *Desktop) Send(ctx context.Context, n Notification) error {
	name, args, ok := desktopCommand(d.goos, n)
	if !ok {
		return nil
	}
	if err := d.run(ctx, name, args...); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// desktopCommand builds the popup command for goos
func desktopCommand(goos string, n Notification) (string, []string, bool) {
	body := desktopBody(n)
	switch goos {
	case "darwin":
		script := "display notification " + appleScriptString(body) + " with title " + appleScriptString(n.Title)
		if s := n.Subject(); s != "" {
			script += " subtitle " + appleScriptString(s)
		}
		return "osascript", []string{"-e", script}, true
	case "linux":
		args := []string{"--app-name", "cellrun", "--icon", n.Severity.icon()}
		if n.Severity == SeverityError {
			args = append(args, "--urgency", "critical")
		}
		return "notify-send", append(args, n.Title, body), true
	default:
		return "", nil, false
	}
}

// desktopBody appends fields to the message as one "Name: value" line
func desktopBody(n Notification) string {
	if len(n.Fields) == 0 {
		return n.Message
	}
	parts := make([]string, len(n.Fields))
	for i, f := range n.Fields {
		parts[i] = f.Name + ": " + f.Value
	}
	return n.Message + "\n" + strings.Join(parts, ", ")
}

// appleScriptString quotes s as an AppleScript string literal
func appleScriptString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

// icon is the freedesktop icon name for the severity
func (s Severity) icon() string {
	switch s {
	case SeveritySuccess:
		return "dialog-positive"
	case SeverityWarning:
		return "dialog-warning"
	case SeverityError:
		return "dialog-error"
	default:
		return "dialog-information"
	}
}
