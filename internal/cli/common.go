// Package cli holds the helpers shared by heapcore command line tools.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
)

// Version information for all CLI tools
const (
	Version   = "0.3.0"
	CommitSHA = "unknown" // Will be set during build
)

// VersionInfo contains version and build information
type VersionInfo struct {
	Version   string `json:"version"`
	CommitSHA string `json:"commit_sha"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
	Arch      string `json:"arch"`
}

// GetVersionInfo returns structured version information
func GetVersionInfo() *VersionInfo {
	return &VersionInfo{
		Version:   Version,
		CommitSHA: CommitSHA,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}

// PrintVersion writes version information for toolName to w.
func PrintVersion(w io.Writer, toolName string, jsonOutput bool) error {
	info := GetVersionInfo()
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"tool":         toolName,
			"version_info": info,
		})
	}

	fmt.Fprintf(w, "%s v%s\n", toolName, info.Version)
	if info.CommitSHA != "unknown" && info.CommitSHA != "" {
		fmt.Fprintf(w, "Commit: %s\n", info.CommitSHA)
	}
	fmt.Fprintf(w, "Go Version: %s\n", info.GoVersion)
	_, err := fmt.Fprintf(w, "Platform: %s/%s\n", info.Platform, info.Arch)
	return err
}

// ExitWithError prints an error message and exits with code 1
func ExitWithError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// NewLogger returns a stderr logger at level. JSON output suits log
// collectors; text output suits terminals.
func NewLogger(w io.Writer, level slog.Level, jsonOutput bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if jsonOutput {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// CommandInfo describes one subcommand for PrintUsage.
type CommandInfo struct {
	Name        string
	Description string
	Examples    []string
}

// PrintUsage prints a standardized usage message
func PrintUsage(w io.Writer, tool, summary string, commands []CommandInfo) {
	fmt.Fprintf(w, "%s - %s\n\n", tool, summary)
	fmt.Fprintf(w, "USAGE:\n")
	fmt.Fprintf(w, "    %s <command> [OPTIONS]\n\n", tool)

	if len(commands) > 0 {
		fmt.Fprintf(w, "COMMANDS:\n")
		for _, cmd := range commands {
			fmt.Fprintf(w, "    %-12s %s\n", cmd.Name, cmd.Description)
		}
		fmt.Fprintf(w, "\n")
	}

	var examples []string
	for _, cmd := range commands {
		examples = append(examples, cmd.Examples...)
	}
	if len(examples) > 0 {
		fmt.Fprintf(w, "EXAMPLES:\n")
		for _, ex := range examples {
			fmt.Fprintf(w, "    %s\n", ex)
		}
		fmt.Fprintf(w, "\n")
	}
	fmt.Fprintf(w, "Use '%s <command> -help' for more information about a command.\n", tool)
}
