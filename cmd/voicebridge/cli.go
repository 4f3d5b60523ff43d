package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// The CLI verbs talk to a running server's admin API and print the response
// JSON to stdout. The server address comes from VOICEBRIDGE_ADDR, defaulting
// to the local listener.

const defaultAdminAddr = "http://localhost:8080"

var cliClient = &http.Client{Timeout: 30 * time.Second}

func newVerbFlags(verb string) *flag.FlagSet {
	fs := flag.NewFlagSet(verb, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

func adminAddr() string {
	if v := os.Getenv("VOICEBRIDGE_ADDR"); v != "" {
		return strings.TrimSuffix(v, "/")
	}
	return defaultAdminAddr
}

func runCLI(verb string, args []string, out io.Writer) int {
	var err error
	switch verb {
	case "call":
		err = cliCall(args, out)
	case "continue":
		err = cliRelay(args, out, "continue")
	case "speak":
		err = cliRelay(args, out, "speak")
	case "end":
		err = cliEnd(args, out)
	case "status":
		err = cliGet(out, "/admin/status")
	case "tail":
		err = cliTail(args, out)
	case "expose":
		err = cliExpose(out)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "voicebridge %s: %v\n", verb, err)
		return 1
	}
	return 0
}

func cliCall(args []string, out io.Writer) error {
	fs := newVerbFlags("call")
	to := fs.String("to", "", "phone number to dial (E.164)")
	from := fs.String("from", "", "caller id override")
	prompt := fs.String("prompt", "", "what the call is about")
	objective := fs.String("objective", "", "objective for conversation mode")
	callCtx := fs.String("context", "", "extra context for the model")
	language := fs.String("language", "", "speech language hint (e.g. ru)")
	mode := fs.String("mode", "", "notify or conversation")
	messageTo := fs.String("message-to", "", "channel for the outcome message")
	greeting := fs.String("greeting", "", "opening line spoken on answer")
	session := fs.String("session", "", "originating session key")
	noStream := fs.Bool("no-stream", false, "skip the media stream, carrier TTS only")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *to == "" {
		return fmt.Errorf("-to is required")
	}

	req := map[string]any{"to": *to}
	setIf(req, "from", *from)
	setIf(req, "prompt", *prompt)
	setIf(req, "objective", *objective)
	setIf(req, "context", *callCtx)
	setIf(req, "language", *language)
	setIf(req, "mode", *mode)
	setIf(req, "messageTo", *messageTo)
	setIf(req, "greeting", *greeting)
	setIf(req, "sessionKey", *session)
	if *noStream {
		req["streaming"] = false
	}
	return doAdmin(out, http.MethodPost, "/admin/calls", req)
}

// cliRelay handles the two verbs that push a message into a live call:
// "continue" routes it through the dialogue engine, "speak" says it as-is.
func cliRelay(args []string, out io.Writer, action string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: voicebridge %s <callID> <message>", action)
	}
	callID := args[0]
	message := strings.Join(args[1:], " ")
	return doAdmin(out, http.MethodPost,
		"/admin/calls/"+url.PathEscape(callID)+"/"+action,
		map[string]any{"message": message})
}

func cliEnd(args []string, out io.Writer) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: voicebridge end <callID>")
	}
	return doAdmin(out, http.MethodPost,
		"/admin/calls/"+url.PathEscape(args[0])+"/end", nil)
}

func cliTail(args []string, out io.Writer) error {
	fs := newVerbFlags("tail")
	limit := fs.Int("limit", 10, "number of recent calls to show")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return cliGet(out, "/admin/history?limit="+strconv.Itoa(*limit))
}

// cliExpose reports the public URL the running server resolved, so it can be
// pasted into a carrier console.
func cliExpose(out io.Writer) error {
	resp, err := cliClient.Get(adminAddr() + "/admin/status")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	var status struct {
		PublicURL string `json:"publicUrl"`
	}
	if err := json.Unmarshal(body, &status); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}
	return printJSON(out, []byte(`{"publicUrl":`+strconv.Quote(status.PublicURL)+`}`))
}

func cliGet(out io.Writer, path string) error {
	return doAdmin(out, http.MethodGet, path, nil)
}

func doAdmin(out io.Writer, method, path string, body any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, adminAddr()+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := cliClient.Do(req)
	if err != nil {
		return fmt.Errorf("%v (is the server running? set VOICEBRIDGE_ADDR if not local)", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	return printJSON(out, data)
}

func printJSON(out io.Writer, data []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, bytes.TrimSpace(data), "", "  "); err != nil {
		// Not JSON; pass it through untouched.
		fmt.Fprintln(out, strings.TrimSpace(string(data)))
		return nil
	}
	fmt.Fprintln(out, buf.String())
	return nil
}

func setIf(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}
