package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/loqalabs/voicereport/internal/config"
	"github.com/loqalabs/voicereport/internal/interpreter"
	"github.com/loqalabs/voicereport/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'command', 'validate' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "command":
		var configPath string
		cmd := flag.NewFlagSet("command", flag.ExitOnError)
		cmd.StringVar(&configPath, "config", "voicereport.yaml", "Path to configuration file")
		cmd.Parse(os.Args[2:])
		if err := runCommand(configPath, strings.Join(cmd.Args(), " "), os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "validate":
		var configPath string
		cmd := flag.NewFlagSet("validate", flag.ExitOnError)
		cmd.StringVar(&configPath, "file", "voicereport.yaml", "Path to configuration file")
		cmd.Parse(os.Args[2:])
		if _, err := config.Load(configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("config valid")
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

// runCommand sends one typed command to the configured interpreter and
// prints the result as JSON.
func runCommand(configPath, text string, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	client, err := runtime.InterpreterClient(cfg.Interpreter)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	timeout := time.Duration(cfg.Interpreter.TimeoutMS) * time.Millisecond
	dispatcher := interpreter.NewDispatcher(client, timeout, logger)

	result, err := dispatcher.Dispatch(context.Background(), interpreter.CommandRequest{RawText: text})
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("command failed: %s", result.Message)
	}
	return nil
}
