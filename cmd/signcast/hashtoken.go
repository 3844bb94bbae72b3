package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/matt-riley/signcast/internal/middleware"
)

// hashTokenCommand prints the bcrypt hash of a control token. The token comes
// from the first argument, or the first line of stdin when none is given.
func hashTokenCommand(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) > 1 {
		fmt.Fprintln(stderr, "usage: signcast hash-token [token]")
		return 2
	}

	var token string
	if len(args) == 1 {
		token = args[0]
	} else {
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			fmt.Fprintf(stderr, "read token: %v\n", err)
			return 1
		}
		token = strings.TrimRight(line, "\r\n")
	}

	hash, err := middleware.HashToken(token)
	if err != nil {
		fmt.Fprintf(stderr, "hash token: %v\n", err)
		return 1
	}

	fmt.Fprintln(stdout, hash)
	return 0
}
