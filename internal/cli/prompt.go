// Package cli holds small terminal helpers shared by commands.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Confirm asks a yes/no question on w and reads the answer from r.
// An empty answer selects the default.
func Confirm(r io.Reader, w io.Writer, prompt string, defaultYes bool) (bool, error) {
	suffix := "[y/N]"
	if defaultYes {
		suffix = "[Y/n]"
	}

	fmt.Fprintf(w, "%s %s ", prompt, suffix)

	response, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, fmt.Errorf("reading response: %w", err)
	}

	response = strings.TrimSpace(strings.ToLower(response))
	if response == "" {
		return defaultYes, nil
	}
	return response == "y" || response == "yes", nil
}
