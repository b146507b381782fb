package tui

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// Input prompts the user on stderr and returns the trimmed line
func Input(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	reader := bufio.NewReader(os.Stdin)
	input, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}

	return strings.TrimSpace(input), nil
}
