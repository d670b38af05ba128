package interpreter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
)

// execClient pipes the request JSON to a command and reads a CommandResult
// JSON document from its stdout.
type execClient struct {
	cmd []string
	mu  sync.Mutex
}

func NewExecClient(command string) (Client, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse interpreter command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("interpreter command empty")
	}
	return &execClient{cmd: args}, nil
}

func (c *execClient) Interpret(ctx context.Context, req CommandRequest) (CommandResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	input, err := json.Marshal(req)
	if err != nil {
		return CommandResult{}, err
	}

	base := c.cmd[0]
	args := append([]string{}, c.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		return CommandResult{}, fmt.Errorf("interpreter command failed: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}

	var result CommandResult
	if err := json.Unmarshal(output, &result); err != nil {
		return CommandResult{}, fmt.Errorf("decode interpreter output: %w", err)
	}
	return result, nil
}
