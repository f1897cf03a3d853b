package admin

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/fatih/color"
)

// RunClient implements the `--client` CLI mode: if command is non-empty it
// sends that single line and prints the reply; otherwise it reads lines
// from in and relays each to the admin socket until in is exhausted or the
// server closes the connection.
func RunClient(socketPath string, command string, in io.Reader, out io.Writer) error {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return fmt.Errorf("admin client: dial %s: %w", socketPath, err)
	}
	defer conn.Close()
	connReader := bufio.NewReader(conn)

	prompt := color.New(color.FgCyan)
	reply := color.New(color.FgGreen)

	if command != "" {
		return sendAndPrint(conn, connReader, command, reply, out)
	}

	scanner := bufio.NewScanner(in)
	for {
		prompt.Fprint(out, "tcp-proxy> ")
		if !scanner.Scan() {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := sendAndPrint(conn, connReader, line, reply, out); err != nil {
			return err
		}
		if line == "exit" || line == "shutdown" {
			return nil
		}
	}
}

func sendAndPrint(conn net.Conn, connReader *bufio.Reader, line string, reply *color.Color, out io.Writer) error {
	if _, err := fmt.Fprintln(conn, line); err != nil {
		return fmt.Errorf("admin client: write: %w", err)
	}
	response, err := connReader.ReadString('\n')
	if err != nil && response == "" {
		return fmt.Errorf("admin client: read: %w", err)
	}
	reply.Fprint(out, strings.TrimRight(response, "\n"))
	fmt.Fprintln(out)
	return nil
}
