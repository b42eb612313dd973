package cdp

import (
	"runtime"
	"sort"
	"strings"

	"github.com/chromedp/chromedp"

	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/browser"
)

// LaunchConfig holds the process-level knobs of locally launched browsers.
type LaunchConfig struct {
	ExecPath        string
	IgnoreTLSErrors bool
	// Args are extra command line switches, with or without the leading "--".
	Args []string
}

// launchFlags resolves the command line switches for one session's browser.
// Later entries override earlier ones; a false value removes a switch.
func launchFlags(cfg LaunchConfig, opts browser.SessionOptions, goos string) map[string]any {
	flags := map[string]any{
		// Drops the automation infobar and the navigator.webdriver hint.
		"enable-automation":         false,
		"disable-blink-features":    "AutomationControlled",
		"headless":                  opts.Headless,
		"hide-scrollbars":           opts.Headless,
		"mute-audio":                opts.Headless,
		"disable-gpu":               opts.Headless,
		"ignore-certificate-errors": cfg.IgnoreTLSErrors,
		"disable-extensions":        true,
	}

	for _, arg := range cfg.Args {
		parts := strings.SplitN(arg, "=", 2)
		name := strings.TrimPrefix(parts[0], "--")
		if name == "" {
			continue
		}
		if len(parts) == 2 {
			flags[name] = parts[1]
		} else {
			flags[name] = true
		}
	}

	// Containers on Linux rarely allow the sandbox or a large /dev/shm.
	if goos == "linux" {
		flags["no-sandbox"] = true
		flags["disable-dev-shm-usage"] = true
		flags["disable-setuid-sandbox"] = true
	}
	return flags
}

// allocatorOptions builds the exec allocator options for one session.
func allocatorOptions(cfg LaunchConfig, opts browser.SessionOptions) []chromedp.ExecAllocatorOption {
	out := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)

	flags := launchFlags(cfg, opts, runtime.GOOS)
	names := make([]string, 0, len(flags))
	for name := range flags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out = append(out, chromedp.Flag(name, flags[name]))
	}

	out = append(out, chromedp.WindowSize(opts.ViewportWidth, opts.ViewportHeight))
	if cfg.ExecPath != "" {
		out = append(out, chromedp.ExecPath(cfg.ExecPath))
	}
	return out
}
