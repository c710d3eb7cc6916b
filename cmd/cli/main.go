package main

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	apiKey    string

	workflowID string
	instanceID string
	trigger    string
	params     map[string]string

	instanceIDs []string
	overrides   []string

	statusFilter string
	batchFilter  string
	limit        int

	watch     bool
	format    string
	threshold string
)

func main() {
	root := &cobra.Command{
		Use:          "orchestrator-cli",
		Short:        "CLI client for query-orchestrator",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("ORCHESTRATOR_API_KEY"), "API key")

	submitCmd := &cobra.Command{
		Use:   "submit",
		Short: "Run a workflow against one instance",
		Args:  cobra.NoArgs,
		RunE:  runSubmit,
	}
	submitCmd.Flags().StringVarP(&workflowID, "workflow", "w", "", "Workflow ID")
	submitCmd.Flags().StringVarP(&instanceID, "instance", "i", "", "Target instance ID")
	submitCmd.Flags().StringVar(&trigger, "trigger", "manual", "Trigger origin (manual, schedule, api)")
	submitCmd.Flags().StringToStringVarP(&params, "param", "p", nil, "Query parameter key=value (repeatable)")
	_ = submitCmd.MarkFlagRequired("workflow")
	_ = submitCmd.MarkFlagRequired("instance")
	root.AddCommand(submitCmd)

	root.AddCommand(&cobra.Command{
		Use:   "get [execution-id]",
		Short: "Show an execution, refreshing it from the remote engine",
		Args:  cobra.ExactArgs(1),
		RunE:  runGet,
	})

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent executions",
		Args:  cobra.NoArgs,
		RunE:  runList,
	}
	listCmd.Flags().StringVar(&statusFilter, "status", "", "Comma-separated statuses")
	listCmd.Flags().StringVar(&batchFilter, "batch", "", "Only children of this batch")
	listCmd.Flags().StringVarP(&workflowID, "workflow", "w", "", "Only this workflow")
	listCmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows")
	root.AddCommand(listCmd)

	root.AddCommand(newBatchCmd())

	// Health check
	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE:  runHealth,
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newBatchCmd() *cobra.Command {
	batchCmd := &cobra.Command{
		Use:   "batch",
		Short: "Fan a workflow out across instances",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start a batch",
		Args:  cobra.NoArgs,
		RunE:  runBatch,
	}
	runCmd.Flags().StringVarP(&workflowID, "workflow", "w", "", "Workflow ID")
	runCmd.Flags().StringSliceVarP(&instanceIDs, "instances", "i", nil, "Target instance IDs")
	runCmd.Flags().StringToStringVarP(&params, "param", "p", nil, "Base parameter key=value (repeatable)")
	runCmd.Flags().StringArrayVar(&overrides, "override", nil, "Per-instance parameter instance:key=value (repeatable)")
	runCmd.Flags().BoolVar(&watch, "watch", false, "Stream progress until the batch finishes")
	_ = runCmd.MarkFlagRequired("workflow")
	_ = runCmd.MarkFlagRequired("instances")
	batchCmd.AddCommand(runCmd)

	statusCmd := &cobra.Command{
		Use:   "status [batch-id]",
		Short: "Show a batch and its children",
		Args:  cobra.ExactArgs(1),
		RunE:  runBatchStatus,
	}
	statusCmd.Flags().BoolVar(&watch, "watch", false, "Stream progress until the batch finishes")
	batchCmd.AddCommand(statusCmd)

	resultsCmd := &cobra.Command{
		Use:   "results [batch-id]",
		Short: "Print the merged rows of all completed children",
		Args:  cobra.ExactArgs(1),
		RunE:  runBatchResults,
	}
	resultsCmd.Flags().StringVar(&format, "format", "json", "Output format (json, csv)")
	batchCmd.AddCommand(resultsCmd)

	batchCmd.AddCommand(&cobra.Command{
		Use:   "cancel [batch-id]",
		Short: "Cancel a batch and its unfinished children",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return printRequest(http.MethodPost, "/batches/"+url.PathEscape(args[0])+"/cancel", nil)
		},
	})

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List batches",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			q := url.Values{}
			setIf(q, "status", statusFilter)
			setIf(q, "workflow_id", workflowID)
			q.Set("limit", strconv.Itoa(limit))
			return printRequest(http.MethodGet, "/batches?"+q.Encode(), nil)
		},
	}
	listCmd.Flags().StringVar(&statusFilter, "status", "", "Batch status")
	listCmd.Flags().StringVarP(&workflowID, "workflow", "w", "", "Only this workflow")
	listCmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows")
	batchCmd.AddCommand(listCmd)

	recoverCmd := &cobra.Command{
		Use:   "recover",
		Short: "Settle batches left running by a crash",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var body any
			if threshold != "" {
				if _, err := time.ParseDuration(threshold); err != nil {
					return fmt.Errorf("invalid --threshold: %w", err)
				}
				body = map[string]string{"threshold": threshold}
			}
			return printRequest(http.MethodPost, "/batches/recover", body)
		},
	}
	recoverCmd.Flags().StringVar(&threshold, "threshold", "", "Age after which a running batch counts as stale (server default if empty)")
	batchCmd.AddCommand(recoverCmd)

	return batchCmd
}

func runSubmit(_ *cobra.Command, _ []string) error {
	return printRequest(http.MethodPost, "/executions", map[string]any{
		"workflow_id": workflowID,
		"instance_id": instanceID,
		"parameters":  params,
		"trigger":     trigger,
	})
}

func runGet(_ *cobra.Command, args []string) error {
	return printRequest(http.MethodGet, "/executions/"+url.PathEscape(args[0]), nil)
}

func runList(_ *cobra.Command, _ []string) error {
	q := url.Values{}
	setIf(q, "status", statusFilter)
	setIf(q, "batch_id", batchFilter)
	setIf(q, "workflow_id", workflowID)
	q.Set("limit", strconv.Itoa(limit))
	return printRequest(http.MethodGet, "/executions?"+q.Encode(), nil)
}

func runBatch(_ *cobra.Command, _ []string) error {
	perInstance, err := parseOverrides(overrides)
	if err != nil {
		return err
	}
	body, err := request(http.MethodPost, "/batches", map[string]any{
		"workflow_id":        workflowID,
		"instance_ids":       instanceIDs,
		"parameters":         params,
		"instance_overrides": perInstance,
	})
	if err != nil {
		return err
	}
	printJSON(body)

	if !watch {
		return nil
	}
	var b struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &b); err != nil {
		return fmt.Errorf("decoding batch: %w", err)
	}
	return streamEvents(b.ID)
}

func runBatchStatus(_ *cobra.Command, args []string) error {
	if watch {
		return streamEvents(args[0])
	}
	return printRequest(http.MethodGet, "/batches/"+url.PathEscape(args[0]), nil)
}

func runBatchResults(_ *cobra.Command, args []string) error {
	body, err := request(http.MethodGet, "/batches/"+url.PathEscape(args[0])+"/results", nil)
	if err != nil {
		return err
	}
	switch format {
	case "json":
		printJSON(body)
		return nil
	case "csv":
		var res struct {
			Columns []string   `json:"columns"`
			Rows    [][]string `json:"rows"`
			Missing []string   `json:"missing"`
		}
		if err := json.Unmarshal(body, &res); err != nil {
			return fmt.Errorf("decoding results: %w", err)
		}
		if err := writeCSV(os.Stdout, res.Columns, res.Rows); err != nil {
			return err
		}
		if len(res.Missing) > 0 {
			fmt.Fprintf(os.Stderr, "results unavailable for: %s\n", strings.Join(res.Missing, ", "))
		}
		return nil
	default:
		return fmt.Errorf("unknown --format %q", format)
	}
}

func runHealth(_ *cobra.Command, _ []string) error {
	resp, err := http.Get(serverURL + "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	printJSON(body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server unhealthy: %s", resp.Status)
	}
	return nil
}

// streamEvents prints each batch event until the server sends "done".
func streamEvents(batchID string) error {
	req, err := http.NewRequest(http.MethodGet, serverURL+"/batches/"+url.PathEscape(batchID)+"/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	// No client timeout: the stream lasts as long as the batch.
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return apiError(resp.StatusCode, body)
	}

	var event string
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if err := printEvent(os.Stdout, event, []byte(strings.TrimPrefix(line, "data: "))); err != nil {
				return err
			}
			if event == "done" {
				return nil
			}
		}
	}
	return sc.Err()
}

func printEvent(w io.Writer, event string, data []byte) error {
	if event == "error" {
		return fmt.Errorf("stream error: %s", data)
	}
	var ev struct {
		Status string `json:"status"`
		Total  int    `json:"total_instances"`
		Counts struct {
			Pending   int `json:"pending"`
			Running   int `json:"running"`
			Completed int `json:"completed"`
			Failed    int `json:"failed"`
			Cancelled int `json:"cancelled"`
		} `json:"counts"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("decoding event: %w", err)
	}
	c := ev.Counts
	_, err := fmt.Fprintf(w, "%s %-9s total=%d pending=%d running=%d completed=%d failed=%d cancelled=%d\n",
		time.Now().Format(time.TimeOnly), ev.Status, ev.Total, c.Pending, c.Running, c.Completed, c.Failed, c.Cancelled)
	return err
}

// parseOverrides turns "instance:key=value" flags into per-instance maps.
func parseOverrides(raw []string) (map[string]map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]map[string]string)
	for _, item := range raw {
		inst, kv, ok := strings.Cut(item, ":")
		if !ok || inst == "" {
			return nil, fmt.Errorf("override %q: want instance:key=value", item)
		}
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("override %q: want instance:key=value", item)
		}
		if out[inst] == nil {
			out[inst] = make(map[string]string)
		}
		out[inst][key] = value
	}
	return out, nil
}

func writeCSV(w io.Writer, columns []string, rows [][]string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(columns); err != nil {
		return err
	}
	if err := cw.WriteAll(rows); err != nil {
		return err
	}
	return cw.Error()
}

func printRequest(method, path string, payload any) error {
	body, err := request(method, path, payload)
	if err != nil {
		return err
	}
	printJSON(body)
	return nil
}

func request(method, path string, payload any) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, serverURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	// Batch submission returns once every child is dispatched, which can
	// take a while with retries.
	client := &http.Client{Timeout: 5 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, apiError(resp.StatusCode, body)
	}
	return body, nil
}

func apiError(status int, body []byte) error {
	var e struct {
		Error   string   `json:"error"`
		Code    string   `json:"code"`
		Missing []string `json:"missing"`
	}
	if json.Unmarshal(body, &e) != nil || e.Error == "" {
		return fmt.Errorf("server returned %d: %s", status, strings.TrimSpace(string(body)))
	}
	if len(e.Missing) > 0 {
		return fmt.Errorf("%s (%s): missing %s", e.Error, e.Code, strings.Join(e.Missing, ", "))
	}
	return fmt.Errorf("%s (%s)", e.Error, e.Code)
}

func printJSON(body []byte) {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		fmt.Println(string(body))
		return
	}
	formatted, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(formatted))
}

func setIf(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}
