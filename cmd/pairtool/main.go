// Command pairtool drives pairing, parameter, and file operations against a
// running gateway's HTTP surface from the command line.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

type options struct {
	addr string
	mode string

	// params mode
	paramType uint
	valueHex  string

	// files mode
	path   string
	offset uint
	length uint
	append bool
	data   string
}

func main() {
	opts := parseFlags()

	var err error
	switch opts.mode {
	case "pair":
		err = doPair(opts)
	case "pair-status":
		err = doPairStatus(opts)
	case "pair-cancel":
		err = doPairCancel(opts)
	case "param-get":
		err = doParamGet(opts)
	case "param-set":
		err = doParamSet(opts)
	case "files-list":
		err = doFilesList(opts)
	case "files-read":
		err = doFilesRead(opts)
	case "files-write":
		err = doFilesWrite(opts)
	default:
		err = fmt.Errorf("unknown mode %q (supported: pair, pair-status, pair-cancel, param-get, param-set, files-list, files-read, files-write)", opts.mode)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "pairtool: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() options {
	var opts options
	flag.StringVar(&opts.addr, "addr", "http://localhost:9000", "gateway HTTP address")
	flag.StringVar(&opts.mode, "mode", "pair-status", "mode: pair | pair-status | pair-cancel | param-get | param-set | files-list | files-read | files-write")
	flag.UintVar(&opts.paramType, "type", 0, "parameter message type (param-get/param-set)")
	flag.StringVar(&opts.valueHex, "value", "", "hex-encoded value (param-set)")
	flag.StringVar(&opts.path, "path", "/", "file path or directory (files-*)")
	flag.UintVar(&opts.offset, "offset", 0, "byte offset (files-read/files-write)")
	flag.UintVar(&opts.length, "length", 4096, "read length (files-read)")
	flag.BoolVar(&opts.append, "append", false, "append instead of writing at offset (files-write)")
	flag.StringVar(&opts.data, "data", "", "hex-encoded payload (files-write)")
	flag.Parse()
	return opts
}

func doPair(opts options) error {
	return postJSON(opts.addr+"/pairing/start", nil)
}

func doPairStatus(opts options) error {
	return getJSON(opts.addr + "/pairing/status")
}

func doPairCancel(opts options) error {
	return postJSON(opts.addr+"/pairing/cancel", nil)
}

func doParamGet(opts options) error {
	return getJSON(fmt.Sprintf("%s/params/%d", opts.addr, opts.paramType))
}

func doParamSet(opts options) error {
	body, err := json.Marshal(map[string]string{"value_hex": opts.valueHex})
	if err != nil {
		return err
	}
	return putJSON(fmt.Sprintf("%s/params/%d", opts.addr, opts.paramType), body)
}

func doFilesList(opts options) error {
	return getJSON(fmt.Sprintf("%s/files?dir=%s", opts.addr, opts.path))
}

func doFilesRead(opts options) error {
	return getJSON(fmt.Sprintf("%s/files/read?path=%s&offset=%d&length=%d", opts.addr, opts.path, opts.offset, opts.length))
}

func doFilesWrite(opts options) error {
	body, err := json.Marshal(map[string]any{
		"path":     opts.path,
		"offset":   opts.offset,
		"append":   opts.append,
		"data_hex": opts.data,
	})
	if err != nil {
		return err
	}
	return postJSON(opts.addr+"/files/write", body)
}

func getJSON(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	return printResponse(resp)
}

func postJSON(url string, body []byte) error {
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	return printResponse(resp)
}

func putJSON(url string, body []byte) error {
	req, err := http.NewRequest(http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	return printResponse(resp)
}

func printResponse(resp *http.Response) error {
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		fmt.Println(strings.TrimSpace(pretty.String()))
	} else {
		fmt.Println(strings.TrimSpace(string(raw)))
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("gateway returned %s", resp.Status)
	}
	return nil
}
