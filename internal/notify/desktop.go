package notify

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

// desktopCategories lists the categories urgent enough to mirror to the
// operator's desktop. Everything else stays in the coordinator pane.
var desktopCategories = map[Category]bool{
	CategoryCrash:     true,
	CategoryRateLimit: true,
}

// appleScriptEscaper quotes a string for interpolation into an AppleScript
// literal, so pane content in a message cannot break out of the script.
var appleScriptEscaper = strings.NewReplacer(
	`\`, `\\`,
	`"`, `\"`,
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
)

// SendDesktop mirrors a notification to the OS notification center when the
// category warrants it: osascript on macOS, notify-send on Linux, nothing
// elsewhere. It runs in the background and swallows errors, since a missing
// notification command must never affect the monitoring cycle.
func SendDesktop(category Category, title, message string) {
	if !desktopCategories[category] {
		return
	}

	go func() {
		var cmd *exec.Cmd
		switch runtime.GOOS {
		case "darwin":
			script := fmt.Sprintf(`display notification "%s" with title "%s"`,
				appleScriptEscaper.Replace(message), appleScriptEscaper.Replace(title))
			cmd = exec.Command("osascript", "-e", script)
		case "linux":
			cmd = exec.Command("notify-send", title, message)
		default:
			return
		}
		_ = cmd.Run()
	}()
}
